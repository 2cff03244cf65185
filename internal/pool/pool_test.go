package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSignal struct {
	mu         sync.Mutex
	overloaded bool
}

func (s *stubSignal) IsOverloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overloaded
}

func (s *stubSignal) set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overloaded = v
}

// TestAcquireReleaseBounds verifies admission never exceeds the desired
// level and a release unblocks the next waiter.
func TestAcquireReleaseBounds(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 2, MaxConcurrency: 2})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	b, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, p.InFlight())

	acquired := make(chan *Slot, 1)
	go func() {
		s, acquireErr := p.AcquireSlot(ctx)
		require.NoError(t, acquireErr)
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("third slot granted beyond desired concurrency")
	case <-time.After(50 * time.Millisecond):
	}
	require.LessOrEqual(t, p.InFlight(), p.Desired())

	a.Release()
	select {
	case s := <-acquired:
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
	b.Release()
	require.Zero(t, p.InFlight())
}

// TestAcquireFIFOFairness verifies waiters are granted in arrival order.
func TestAcquireFIFOFairness(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.AcquireSlot(ctx)
	require.NoError(t, err)

	// Enqueue waiters one at a time so arrival order is deterministic.
	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			s, acquireErr := p.AcquireSlot(ctx)
			require.NoError(t, acquireErr)
			order <- rank
			s.Release()
		}(i)
		require.Eventually(t, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.waiters.Len() == i+1
		}, time.Second, time.Millisecond)
	}

	first.Release()
	wg.Wait()
	close(order)

	rank := 0
	for got := range order {
		require.Equal(t, rank, got)
		rank++
	}
}

// TestAcquireCanceled verifies a canceled waiter leaves the pool consistent.
func TestAcquireCanceled(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	held, err := p.AcquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, acquireErr := p.AcquireSlot(ctx)
		errCh <- acquireErr
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters.Len() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	held.Release()
	require.Zero(t, p.InFlight())

	// Capacity was not leaked by the canceled waiter.
	s, err := p.AcquireSlot(context.Background())
	require.NoError(t, err)
	s.Release()
}

// TestTickScalesDownWhenOverloaded verifies overload strictly decreases the
// desired level, bounded by the minimum, and wins over saturation.
func TestTickScalesDownWhenOverloaded(t *testing.T) {
	t.Parallel()

	signal := &stubSignal{}
	p, err := New(Config{MinConcurrency: 1, MaxConcurrency: 20, ScaleStepRatio: 0.1, Signal: signal})
	require.NoError(t, err)
	p.mu.Lock()
	p.desired = 10
	p.inFlight = 10 // saturated, would scale up if calm
	p.mu.Unlock()

	signal.set(true)
	prev := p.Desired()
	for i := 0; i < 30; i++ {
		p.Tick()
		cur := p.Desired()
		require.LessOrEqual(t, cur, prev)
		require.GreaterOrEqual(t, cur, 1)
		prev = cur
	}
	require.Equal(t, 1, p.Desired())
}

// TestTickHoldsWhenIdle verifies hysteresis: calm but unsaturated load
// leaves the level unchanged.
func TestTickHoldsWhenIdle(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 4, MaxConcurrency: 16, Signal: &stubSignal{}})
	require.NoError(t, err)
	p.Tick()
	require.Equal(t, 4, p.Desired())
}

// TestTickApproachesMaxWithoutOvershoot feeds 20 calm, saturated ticks and
// verifies the desired level climbs to the maximum and stays there.
func TestTickApproachesMaxWithoutOvershoot(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 1, MaxConcurrency: 10, ScaleStepRatio: 0.1, Signal: &stubSignal{}})
	require.NoError(t, err)

	prev := p.Desired()
	require.Equal(t, 1, prev)
	for i := 0; i < 20; i++ {
		p.mu.Lock()
		p.inFlight = p.desired // fully saturated
		p.mu.Unlock()

		p.Tick()
		cur := p.Desired()
		require.LessOrEqual(t, cur, 10)
		if prev < 10 {
			require.Greater(t, cur, prev)
		}
		prev = cur
	}
	require.Equal(t, 10, p.Desired())

	p.mu.Lock()
	p.inFlight = 0
	p.mu.Unlock()
}

// TestScaleUpWakesWaiters verifies a scale-up grants slots to parked waiters.
func TestScaleUpWakesWaiters(t *testing.T) {
	t.Parallel()

	p, err := New(Config{MinConcurrency: 1, MaxConcurrency: 4, Signal: &stubSignal{}})
	require.NoError(t, err)

	held, err := p.AcquireSlot(context.Background())
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		s, acquireErr := p.AcquireSlot(context.Background())
		require.NoError(t, acquireErr)
		defer s.Release()
		close(granted)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters.Len() == 1
	}, time.Second, time.Millisecond)

	p.Tick() // saturated and calm: desired 1 -> 2, waiter woken
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("scale-up did not wake waiter")
	}
	held.Release()
}
