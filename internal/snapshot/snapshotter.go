// Package snapshot samples system load indicators on a fixed interval and
// exposes a rolling history plus a majority-vote overload signal.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/metrics"
)

// Dimension is one sampled load indicator. Known is false when the probe
// failed; unknown samples are neutral and never count as overloaded.
type Dimension struct {
	Value      float64
	Overloaded bool
	Known      bool
}

// Snapshot is an immutable sample of all tracked dimensions.
type Snapshot struct {
	At               time.Time
	CPU              Dimension
	Memory           Dimension
	EventLoopLag     Dimension
	ClientErrorRatio Dimension
}

// Overloaded reports whether any tracked dimension exceeded its threshold.
func (s Snapshot) Overloaded() bool {
	return s.CPU.Overloaded || s.Memory.Overloaded ||
		s.EventLoopLag.Overloaded || s.ClientErrorRatio.Overloaded
}

// Thresholds holds the per-dimension overload cutoffs.
type Thresholds struct {
	CPURatio         float64
	MemoryRatio      float64
	EventLoopLag     time.Duration
	ClientErrorRatio float64
}

// Config controls sampling cadence and overload detection.
//   - SampleInterval: time between snapshots (default 1s).
//   - WindowSize: snapshots kept in the rolling history (default 30).
//   - OverloadRatio: fraction of the window that must be overloaded before
//     IsOverloaded reports true (default 0.9). The majority vote keeps a
//     single noisy sample from flipping the autoscaler.
type Config struct {
	SampleInterval time.Duration
	WindowSize     int
	OverloadRatio  float64
	Thresholds     Thresholds
	Logger         *zap.Logger
}

const (
	defaultSampleInterval = time.Second
	defaultWindowSize     = 30
	defaultOverloadRatio  = 0.9
)

// DefaultThresholds returns the stock overload cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPURatio:         0.95,
		MemoryRatio:      0.7,
		EventLoopLag:     500 * time.Millisecond,
		ClientErrorRatio: 0.3,
	}
}

// Snapshotter produces Snapshots without blocking its callers. Probe errors
// are recorded as unknown dimensions, never propagated.
type Snapshotter struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	history []Snapshot

	requests     atomic.Int64
	clientErrors atomic.Int64

	// probe overrides, swapped out in tests
	cpuProbe func() (float64, error)
	memProbe func() (float64, error)
}

// New constructs a Snapshotter with system probes.
func New(cfg Config) *Snapshotter {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.OverloadRatio <= 0 || cfg.OverloadRatio > 1 {
		cfg.OverloadRatio = defaultOverloadRatio
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Snapshotter{
		cfg:      cfg,
		log:      log,
		history:  make([]Snapshot, 0, cfg.WindowSize),
		cpuProbe: probeCPU,
		memProbe: probeMemory,
	}
}

// Run samples on the configured interval until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Timer drift beyond the interval approximates scheduler lag.
			lag := now.Sub(last) - s.cfg.SampleInterval
			if lag < 0 {
				lag = 0
			}
			last = now
			s.Sample(now, lag)
		}
	}
}

// Sample takes one snapshot and appends it to the rolling history, evicting
// the oldest entry on overflow.
func (s *Snapshotter) Sample(at time.Time, lag time.Duration) Snapshot {
	snap := Snapshot{
		At:               at,
		CPU:              s.probeDimension(s.cpuProbe, s.cfg.Thresholds.CPURatio, "cpu"),
		Memory:           s.probeDimension(s.memProbe, s.cfg.Thresholds.MemoryRatio, "memory"),
		EventLoopLag:     dimension(lag.Seconds(), s.cfg.Thresholds.EventLoopLag.Seconds()),
		ClientErrorRatio: s.errorRatioDimension(),
	}
	if snap.Overloaded() {
		metrics.IncOverloadedSnapshots()
	}

	s.mu.Lock()
	s.history = append(s.history, snap)
	if len(s.history) > s.cfg.WindowSize {
		s.history = s.history[1:]
	}
	s.mu.Unlock()
	return snap
}

// IsOverloaded reports true when the configured majority of the recent
// window is overloaded. An empty history is never overloaded.
func (s *Snapshotter) IsOverloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return false
	}
	overloaded := 0
	for _, snap := range s.history {
		if snap.Overloaded() {
			overloaded++
		}
	}
	return float64(overloaded) >= float64(len(s.history))*s.cfg.OverloadRatio
}

// History returns a copy of the rolling window, oldest first.
func (s *Snapshotter) History() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// RecordRequest counts one finished request toward the error ratio.
func (s *Snapshotter) RecordRequest() {
	if s == nil {
		return
	}
	s.requests.Add(1)
}

// RecordClientError counts one client-classified failure (429, 403, session
// block) toward the error ratio.
func (s *Snapshotter) RecordClientError() {
	if s == nil {
		return
	}
	s.clientErrors.Add(1)
}

func (s *Snapshotter) probeDimension(probe func() (float64, error), threshold float64, name string) Dimension {
	value, err := probe()
	if err != nil {
		s.log.Debug("snapshot probe failed", zap.String("dimension", name), zap.Error(err))
		return Dimension{}
	}
	return Dimension{Value: value, Overloaded: value > threshold, Known: true}
}

// errorRatioDimension consumes the counters accumulated since the previous
// sample, so each snapshot reflects the most recent interval only.
func (s *Snapshotter) errorRatioDimension() Dimension {
	requests := s.requests.Swap(0)
	clientErrors := s.clientErrors.Swap(0)
	if requests == 0 {
		return Dimension{Known: true}
	}
	ratio := float64(clientErrors) / float64(requests)
	return Dimension{
		Value:      ratio,
		Overloaded: ratio > s.cfg.Thresholds.ClientErrorRatio,
		Known:      true,
	}
}

func dimension(value, threshold float64) Dimension {
	return Dimension{Value: value, Overloaded: value > threshold, Known: true}
}

func probeCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0] / 100, nil
}

func probeMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100, nil
}
