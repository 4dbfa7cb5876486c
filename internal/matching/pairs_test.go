package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairTableLinkUnlink(t *testing.T) {
	pt := NewPairTable()

	require.NoError(t, pt.Link("a", "b"))
	assert.Equal(t, 1, pt.Len())

	b, ok := pt.Partner("a")
	require.True(t, ok)
	assert.Equal(t, "b", b)
	a, ok := pt.Partner("b")
	require.True(t, ok)
	assert.Equal(t, "a", a)

	partner, ok := pt.Unlink("b")
	require.True(t, ok)
	assert.Equal(t, "a", partner)
	assert.Equal(t, 0, pt.Len())

	_, ok = pt.Partner("a")
	assert.False(t, ok)
	_, ok = pt.Unlink("a")
	assert.False(t, ok)
}

func TestPairTableRejectsBadLinks(t *testing.T) {
	pt := NewPairTable()

	require.ErrorIs(t, pt.Link("a", "a"), ErrSelfPair)
	require.NoError(t, pt.Link("a", "b"))
	require.ErrorIs(t, pt.Link("a", "c"), ErrAlreadyPaired)
	require.ErrorIs(t, pt.Link("c", "b"), ErrAlreadyPaired)

	c, ok := pt.Partner("c")
	assert.False(t, ok, "failed link left partner %q", c)
}
