// Package pool implements the autoscaled concurrency pool that gates how
// many requests may be processed at once.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/metrics"
)

// OverloadSignal reports whether the system is currently overloaded. The
// snapshotter satisfies it.
type OverloadSignal interface {
	IsOverloaded() bool
}

// Config controls pool sizing and the scaling cadence.
//   - MinConcurrency / MaxConcurrency: hard bounds on the desired level.
//   - DesiredRatio: in-flight / desired saturation at which the pool scales
//     up (default 0.9). Below it the pool holds steady, which keeps a
//     borderline load from thrashing the level.
//   - ScaleStepRatio: relative step per scaling tick (default 0.1), floored
//     so the level always moves by at least one.
//   - TickInterval: time between scaling decisions (default 1s).
type Config struct {
	MinConcurrency int
	MaxConcurrency int
	DesiredRatio   float64
	ScaleStepRatio float64
	TickInterval   time.Duration
	Signal         OverloadSignal
	Logger         *zap.Logger
}

const (
	defaultDesiredRatio   = 0.9
	defaultScaleStepRatio = 0.1
	defaultTickInterval   = time.Second
)

// Pool hands out admission slots bounded by a dynamically scaled desired
// concurrency. Waiters are served FIFO so no caller starves.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	desired  int
	inFlight int
	waiters  *list.List // of *waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Slot is one unit of admission capacity. Holding it permits exactly one
// in-flight task; Release returns the capacity to the pool.
type Slot struct {
	pool *Pool
	once sync.Once
}

// New validates the configuration and builds a Pool starting at minimum
// concurrency.
func New(cfg Config) (*Pool, error) {
	if cfg.MinConcurrency <= 0 {
		return nil, fmt.Errorf("min concurrency must be > 0")
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		return nil, fmt.Errorf("max concurrency %d below min %d", cfg.MaxConcurrency, cfg.MinConcurrency)
	}
	if cfg.DesiredRatio <= 0 || cfg.DesiredRatio > 1 {
		cfg.DesiredRatio = defaultDesiredRatio
	}
	if cfg.ScaleStepRatio <= 0 || cfg.ScaleStepRatio > 1 {
		cfg.ScaleStepRatio = defaultScaleStepRatio
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		log:     log,
		desired: cfg.MinConcurrency,
		waiters: list.New(),
	}
	metrics.SetDesiredConcurrency(p.desired)
	return p, nil
}

// Run executes the scaling loop until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick applies one scaling decision: scale down when overloaded, scale up
// when calm and nearly saturated, hold otherwise. Overload always wins.
func (p *Pool) Tick() {
	overloaded := p.cfg.Signal != nil && p.cfg.Signal.IsOverloaded()

	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.desired
	switch {
	case overloaded:
		p.desired = maxInt(p.cfg.MinConcurrency, p.desired-p.step())
	case p.inFlight >= p.saturationPoint():
		p.desired = minInt(p.cfg.MaxConcurrency, p.desired+p.step())
		p.wakeLocked()
	}
	if p.desired != before {
		metrics.SetDesiredConcurrency(p.desired)
		p.log.Debug("scaled desired concurrency",
			zap.Int("from", before),
			zap.Int("to", p.desired),
			zap.Bool("overloaded", overloaded),
		)
	}
}

// AcquireSlot blocks until in-flight drops below the desired concurrency or
// ctx ends. Waiters are granted strictly in arrival order.
func (p *Pool) AcquireSlot(ctx context.Context) (*Slot, error) {
	start := time.Now()
	p.mu.Lock()
	if p.waiters.Len() == 0 && p.inFlight < p.desired {
		p.admitLocked()
		p.mu.Unlock()
		metrics.ObserveSlotWait(time.Since(start))
		return &Slot{pool: p}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		metrics.ObserveSlotWait(time.Since(start))
		return &Slot{pool: p}, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// Lost the race: the grant arrived with the cancellation, so the
			// capacity has to go back.
			p.releaseLocked()
		} else {
			p.waiters.Remove(elem)
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire slot: %w", ctx.Err())
	}
}

// Release returns the slot's capacity and wakes the next waiter if any. It
// is idempotent.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.mu.Lock()
		s.pool.releaseLocked()
		s.pool.mu.Unlock()
	})
}

// Desired returns the concurrency level the pool currently targets.
func (p *Pool) Desired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// InFlight returns the number of slots currently held.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *Pool) admitLocked() {
	p.inFlight++
	metrics.SetInFlight(p.inFlight)
}

func (p *Pool) releaseLocked() {
	p.inFlight--
	metrics.SetInFlight(p.inFlight)
	p.wakeLocked()
}

// wakeLocked grants slots to the head waiters while capacity remains.
func (p *Pool) wakeLocked() {
	for p.waiters.Len() > 0 && p.inFlight < p.desired {
		elem := p.waiters.Front()
		w := elem.Value.(*waiter)
		p.waiters.Remove(elem)
		w.granted = true
		p.admitLocked()
		close(w.ready)
	}
}

// saturationPoint is the in-flight count at which the pool considers itself
// nearly saturated and eligible to grow.
func (p *Pool) saturationPoint() int {
	point := int(math.Ceil(float64(p.desired) * p.cfg.DesiredRatio))
	if point < 1 {
		point = 1
	}
	return point
}

func (p *Pool) step() int {
	step := int(float64(p.desired) * p.cfg.ScaleStepRatio)
	if step < 1 {
		step = 1
	}
	return step
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
