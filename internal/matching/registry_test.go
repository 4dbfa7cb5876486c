package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	r.Register("a", DefaultProfile(now))
	r.setLastPartner("a", "b")
	r.Register("a", Profile{IsPremium: true, GenderFilter: FilterMale})

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, p.IsPremium)
	assert.Equal(t, FilterMale, p.GenderFilter)
	assert.Equal(t, "b", r.LastPartner("a"), "overwrite keeps skip bookkeeping")
	assert.Equal(t, 1, r.Len())

	r.Remove("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, "", r.LastPartner("a"))
	r.Remove("a")
}

func TestParseGenderFilter(t *testing.T) {
	for in, want := range map[string]GenderFilter{"": FilterAny, "any": FilterAny, "male": FilterMale, "female": FilterFemale} {
		got, err := ParseGenderFilter(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseGenderFilter("robot")
	assert.Error(t, err)

	_, err = ParseGender("robot")
	assert.Error(t, err)
	g, err := ParseGender("female")
	require.NoError(t, err)
	assert.Equal(t, GenderFemale, g)
}

func TestGenderFilterCompatibility(t *testing.T) {
	cases := []struct {
		name      string
		requester Profile
		candidate Profile
		want      bool
	}{
		{"both any", Profile{GenderFilter: FilterAny}, Profile{GenderFilter: FilterAny}, true},
		{"requester filter satisfied", Profile{GenderFilter: FilterFemale, Gender: GenderMale}, Profile{GenderFilter: FilterAny, Gender: GenderFemale}, true},
		{"requester filter unmet", Profile{GenderFilter: FilterFemale}, Profile{Gender: GenderMale}, false},
		{"candidate filter unmet", Profile{Gender: GenderFemale}, Profile{GenderFilter: FilterMale}, false},
		{"unknown gender never satisfies a filter", Profile{GenderFilter: FilterMale}, Profile{}, false},
		{"mutual", Profile{GenderFilter: FilterMale, Gender: GenderFemale}, Profile{GenderFilter: FilterFemale, Gender: GenderMale}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GenderFilterCompatibility(tc.requester, tc.candidate))
			assert.True(t, AlwaysCompatible(tc.requester, tc.candidate))
		})
	}
}
