package matching

import "errors"

var (
	// ErrAlreadyPaired is returned by Link when either side has a partner.
	ErrAlreadyPaired = errors.New("matching: connection already paired")
	// ErrSelfPair is returned by Link when both sides are the same id.
	ErrSelfPair = errors.New("matching: cannot pair a connection with itself")
)

// PairTable holds reciprocal partner entries: pairs[a] == b iff pairs[b] == a.
// It is not safe for concurrent use; Service serializes access.
type PairTable struct {
	pairs map[string]string
}

func NewPairTable() *PairTable {
	return &PairTable{pairs: make(map[string]string)}
}

// Link pairs a and b in both directions.
func (t *PairTable) Link(a, b string) error {
	if a == b {
		return ErrSelfPair
	}
	if _, ok := t.pairs[a]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := t.pairs[b]; ok {
		return ErrAlreadyPaired
	}
	t.pairs[a] = b
	t.pairs[b] = a
	return nil
}

// Unlink removes both entries of a's pair and returns the former partner.
func (t *PairTable) Unlink(a string) (string, bool) {
	b, ok := t.pairs[a]
	if !ok {
		return "", false
	}
	delete(t.pairs, a)
	delete(t.pairs, b)
	return b, true
}

func (t *PairTable) Partner(a string) (string, bool) {
	b, ok := t.pairs[a]
	return b, ok
}

// Len returns the number of pairs, not entries.
func (t *PairTable) Len() int {
	return len(t.pairs) / 2
}
