package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPoolReusesAndRotates verifies sessions are reused until their usage
// cap, then replaced.
func TestPoolReusesAndRotates(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{MaxPoolSize: 1, MaxUsageCount: 3})

	first := p.Get()
	require.Equal(t, first.ID, p.Get().ID)
	require.Equal(t, first.ID, p.Get().ID)
	require.Equal(t, 3, first.UseCount())
	require.False(t, first.Usable())

	next := p.Get()
	require.NotEqual(t, first.ID, next.ID)
}

// TestErrorScoreRetires verifies repeated failures retire a session and a
// success decays the score.
func TestErrorScoreRetires(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{MaxPoolSize: 1, MaxUsageCount: 100, MaxErrorScore: 2})
	s := p.Get()

	s.MarkBad()
	require.True(t, s.Usable())
	s.MarkGood()
	s.MarkBad()
	require.True(t, s.Usable())

	s.MarkBad()
	s.MarkBad()
	require.False(t, s.Usable())
	require.NotEqual(t, s.ID, p.Get().ID)
}

// TestRetireIsPermanent verifies explicit rotation removes the session.
func TestRetireIsPermanent(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{MaxPoolSize: 4})
	s := p.Get()
	s.Retire()
	require.False(t, s.Usable())
	s.MarkGood()
	require.False(t, s.Usable())
	require.Zero(t, p.Size())
}
