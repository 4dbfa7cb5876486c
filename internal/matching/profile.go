package matching

import (
	"fmt"
	"time"
)

// GenderFilter is the advisory partner preference a client submits.
type GenderFilter string

const (
	FilterAny    GenderFilter = "any"
	FilterMale   GenderFilter = "male"
	FilterFemale GenderFilter = "female"
)

// ParseGenderFilter maps wire values onto a GenderFilter. The empty string
// means "any".
func ParseGenderFilter(s string) (GenderFilter, error) {
	switch GenderFilter(s) {
	case "", FilterAny:
		return FilterAny, nil
	case FilterMale, FilterFemale:
		return GenderFilter(s), nil
	}
	return "", fmt.Errorf("unknown gender filter %q", s)
}

// Gender is the self-declared gender of a client. Only the filter-enforcing
// compatibility policy reads it.
type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
)

// ParseGender maps wire values onto a Gender.
func ParseGender(s string) (Gender, error) {
	switch Gender(s) {
	case GenderUnknown, GenderMale, GenderFemale:
		return Gender(s), nil
	}
	return "", fmt.Errorf("unknown gender %q", s)
}

// Profile is the last known matching metadata of a connection. All fields are
// advisory and supplied by the client.
type Profile struct {
	IsPremium    bool
	GenderFilter GenderFilter
	Gender       Gender
	VoiceOnly    bool
	JoinTime     time.Time
}

// DefaultProfile is what a connection is matched with before it submits one.
func DefaultProfile(now time.Time) Profile {
	return Profile{GenderFilter: FilterAny, JoinTime: now}
}
