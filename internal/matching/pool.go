package matching

// Entry is a profile snapshot waiting in the pool.
type Entry struct {
	ID      string
	Profile Profile
}

// Pool is the FIFO set of connections waiting for a partner. An id is held at
// most once. It is not safe for concurrent use; Service serializes access.
type Pool struct {
	entries []Entry
	index   map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{index: make(map[string]struct{})}
}

// Enqueue appends e to the back of the pool. It reports false and leaves the
// pool untouched when e.ID is already waiting.
func (p *Pool) Enqueue(e Entry) bool {
	if _, ok := p.index[e.ID]; ok {
		return false
	}
	p.entries = append(p.entries, e)
	p.index[e.ID] = struct{}{}
	return true
}

// FindAndRemoveCompatible scans from the front and removes the first entry
// accepted by match. The requester's own entry is never returned.
func (p *Pool) FindAndRemoveCompatible(requesterID string, match func(Entry) bool) (Entry, bool) {
	for i, e := range p.entries {
		if e.ID == requesterID {
			continue
		}
		if match != nil && !match(e) {
			continue
		}
		p.removeAt(i)
		return e, true
	}
	return Entry{}, false
}

// Remove drops id from the pool. It reports whether id was waiting.
func (p *Pool) Remove(id string) bool {
	if _, ok := p.index[id]; !ok {
		return false
	}
	for i, e := range p.entries {
		if e.ID == id {
			p.removeAt(i)
			return true
		}
	}
	return false
}

func (p *Pool) Contains(id string) bool {
	_, ok := p.index[id]
	return ok
}

func (p *Pool) Len() int {
	return len(p.entries)
}

// Snapshot returns a copy of the waiting entries, oldest first.
func (p *Pool) Snapshot() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Pool) removeAt(i int) {
	delete(p.index, p.entries[i].ID)
	copy(p.entries[i:], p.entries[i+1:])
	p.entries[len(p.entries)-1] = Entry{}
	p.entries = p.entries[:len(p.entries)-1]
}
