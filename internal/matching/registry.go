package matching

// Registry tracks the last known profile of every live connection.
// It is not safe for concurrent use; Service serializes access.
type Registry struct {
	conns map[string]*registration
}

type registration struct {
	profile     Profile
	lastPartner string
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*registration)}
}

// Register inserts or overwrites the profile stored for id.
func (r *Registry) Register(id string, p Profile) {
	if reg, ok := r.conns[id]; ok {
		reg.profile = p
		return
	}
	r.conns[id] = &registration{profile: p}
}

func (r *Registry) Get(id string) (Profile, bool) {
	reg, ok := r.conns[id]
	if !ok {
		return Profile{}, false
	}
	return reg.profile, true
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.conns[id]
	return ok
}

// Remove deletes id. Pool and pair table cleanup is the caller's job.
func (r *Registry) Remove(id string) {
	delete(r.conns, id)
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// LastPartner returns the partner id was most recently skipped away from.
func (r *Registry) LastPartner(id string) string {
	if reg, ok := r.conns[id]; ok {
		return reg.lastPartner
	}
	return ""
}

func (r *Registry) setLastPartner(id, partner string) {
	if reg, ok := r.conns[id]; ok {
		reg.lastPartner = partner
	}
}
