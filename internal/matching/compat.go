package matching

// Compatibility decides whether a waiting candidate may be paired with the
// requester.
type Compatibility func(requester, candidate Profile) bool

// AlwaysCompatible pairs anyone with anyone. Gender filters are advertised to
// clients but not enforced under this policy.
func AlwaysCompatible(_, _ Profile) bool { return true }

// GenderFilterCompatibility enforces both sides' filters against the other
// side's declared gender. A filter other than "any" never matches an unknown
// gender.
func GenderFilterCompatibility(requester, candidate Profile) bool {
	return accepts(requester.GenderFilter, candidate.Gender) &&
		accepts(candidate.GenderFilter, requester.Gender)
}

func accepts(filter GenderFilter, g Gender) bool {
	switch filter {
	case "", FilterAny:
		return true
	case FilterMale:
		return g == GenderMale
	case FilterFemale:
		return g == GenderFemale
	}
	return false
}
