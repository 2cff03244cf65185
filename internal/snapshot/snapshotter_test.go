package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSampleEvictsOldest verifies the rolling window stays bounded.
func TestSampleEvictsOldest(t *testing.T) {
	t.Parallel()

	s := New(Config{WindowSize: 3})
	s.cpuProbe = constProbe(0.1)
	s.memProbe = constProbe(0.1)

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Sample(base.Add(time.Duration(i)*time.Second), 0)
	}

	history := s.History()
	require.Len(t, history, 3)
	require.Equal(t, base.Add(2*time.Second), history[0].At)
	require.Equal(t, base.Add(4*time.Second), history[2].At)
}

// TestProbeFailureIsNeutral verifies a failing probe yields an unknown
// dimension rather than an overloaded one.
func TestProbeFailureIsNeutral(t *testing.T) {
	t.Parallel()

	s := New(Config{WindowSize: 5})
	s.cpuProbe = func() (float64, error) { return 0, errors.New("procfs unavailable") }
	s.memProbe = constProbe(0.2)

	snap := s.Sample(time.Now(), 0)
	require.False(t, snap.CPU.Known)
	require.False(t, snap.CPU.Overloaded)
	require.False(t, snap.Overloaded())
	require.False(t, s.IsOverloaded())
}

// TestIsOverloadedMajorityVote verifies the window-majority rule: a lone
// overloaded sample does not flip the signal, a sustained run does.
func TestIsOverloadedMajorityVote(t *testing.T) {
	t.Parallel()

	s := New(Config{WindowSize: 10, OverloadRatio: 0.9})
	s.memProbe = constProbe(0.2)

	s.cpuProbe = constProbe(0.99)
	s.Sample(time.Now(), 0)
	s.cpuProbe = constProbe(0.1)
	for i := 0; i < 9; i++ {
		s.Sample(time.Now(), 0)
	}
	require.False(t, s.IsOverloaded())

	s.cpuProbe = constProbe(0.99)
	for i := 0; i < 10; i++ {
		s.Sample(time.Now(), 0)
	}
	require.True(t, s.IsOverloaded())
}

// TestClientErrorRatioPerInterval verifies the counters reset each sample and
// trip the threshold when errors dominate.
func TestClientErrorRatioPerInterval(t *testing.T) {
	t.Parallel()

	s := New(Config{WindowSize: 5})
	s.cpuProbe = constProbe(0.1)
	s.memProbe = constProbe(0.1)

	for i := 0; i < 10; i++ {
		s.RecordRequest()
	}
	for i := 0; i < 6; i++ {
		s.RecordClientError()
	}
	snap := s.Sample(time.Now(), 0)
	require.True(t, snap.ClientErrorRatio.Known)
	require.InDelta(t, 0.6, snap.ClientErrorRatio.Value, 1e-9)
	require.True(t, snap.ClientErrorRatio.Overloaded)

	// Counters were consumed; a quiet interval is clean.
	snap = s.Sample(time.Now(), 0)
	require.False(t, snap.ClientErrorRatio.Overloaded)
	require.Zero(t, snap.ClientErrorRatio.Value)
}

// TestEventLoopLagDimension verifies lag over the threshold flags the sample.
func TestEventLoopLagDimension(t *testing.T) {
	t.Parallel()

	s := New(Config{WindowSize: 5})
	s.cpuProbe = constProbe(0.1)
	s.memProbe = constProbe(0.1)

	snap := s.Sample(time.Now(), 2*time.Second)
	require.True(t, snap.EventLoopLag.Overloaded)

	snap = s.Sample(time.Now(), 10*time.Millisecond)
	require.False(t, snap.EventLoopLag.Overloaded)
}

func constProbe(v float64) func() (float64, error) {
	return func() (float64, error) { return v, nil }
}
