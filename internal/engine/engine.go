// Package engine drives the crawl: it leases requests from the queue, admits
// them through the autoscaled pool, runs the context pipeline and the user
// handler, and applies the retry policy to failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/metrics"
	"github.com/crawlforge/crawlforge/internal/pipeline"
	"github.com/crawlforge/crawlforge/internal/pool"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/snapshot"
)

// Handler is the user-supplied per-request callback. It receives the fully
// enriched processing context after every pipeline stage has run.
type Handler func(ctx context.Context, pc *pipeline.Context) error

// Config wires the engine's collaborators. Queue, Pool, Pipeline, Handler,
// and RetryPolicy are required; the rest are optional capabilities.
type Config struct {
	Queue       crawl.RequestQueue
	Pool        *pool.Pool
	Snapshotter *snapshot.Snapshotter
	Pipeline    *pipeline.Pipeline
	Handler     Handler
	RetryPolicy crawl.RetryPolicy

	Sessions      *session.Pool
	Dataset       crawl.Dataset
	KeyValueStore crawl.KeyValueStore
	Publisher     crawl.Publisher
	FailedHandler crawl.FailedRequestHandler

	// FetchIdleDelay is how long the admission loop sleeps when the queue
	// momentarily has nothing eligible (default 100ms).
	FetchIdleDelay time.Duration

	Clock  crawl.Clock
	Logger *zap.Logger
}

const defaultFetchIdleDelay = 100 * time.Millisecond

// Engine is the orchestration loop. One Engine runs one crawl.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	clock  crawl.Clock
	tracer trace.Tracer

	succeeded      atomic.Int64
	skipped        atomic.Int64
	failedTerminal atomic.Int64
	retries        atomic.Int64

	abortMu  sync.Mutex
	abortErr error
	abort    context.CancelFunc
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("request queue is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("concurrency pool is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.RetryPolicy == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if cfg.FetchIdleDelay <= 0 {
		cfg.FetchIdleDelay = defaultFetchIdleDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = crawl.SystemClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		log:    log,
		clock:  cfg.Clock,
		tracer: otel.Tracer("crawlforge/engine"),
	}, nil
}

// AddRequests enqueues requests, deduplicating by fingerprint. It returns
// how many were actually added.
func (e *Engine) AddRequests(ctx context.Context, reqs ...*crawl.Request) (int, error) {
	added := 0
	for _, req := range reqs {
		if req == nil {
			continue
		}
		if req.EnqueuedAt.IsZero() {
			req.EnqueuedAt = e.clock.Now()
		}
		ok, err := e.cfg.Queue.Add(ctx, req)
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", req.URL, err)
		}
		if ok {
			added++
		} else {
			e.log.Debug("request deduplicated", zap.String("url", req.URL))
		}
	}
	return added, nil
}

// Run processes the queue until it is finished or ctx is canceled. On
// cancellation admission stops and in-flight tasks drain to completion.
// Infrastructure failures abort the run after the drain.
func (e *Engine) Run(ctx context.Context) (crawl.RunStats, error) {
	// Tasks run on their own context so a graceful shutdown drains them
	// instead of cutting them off mid-request. Only an infrastructure
	// failure cancels it.
	taskCtx, taskCancel := context.WithCancel(context.Background())
	defer taskCancel()
	e.abort = taskCancel

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		e.cfg.Pool.Run(loopCtx)
	}()
	if e.cfg.Snapshotter != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			e.cfg.Snapshotter.Run(loopCtx)
		}()
	}

	e.log.Info("crawl started")

	var tasks sync.WaitGroup
admission:
	for {
		if err := ctx.Err(); err != nil {
			e.log.Info("shutdown requested, draining in-flight tasks")
			break
		}
		if e.aborted() {
			break
		}

		req, err := e.cfg.Queue.FetchNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.recordAbort(fmt.Errorf("fetch next request: %w", err))
			break
		}
		if req == nil {
			finished, err := e.cfg.Queue.IsFinished(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				e.recordAbort(fmt.Errorf("check queue finished: %w", err))
				break
			}
			if finished {
				break
			}
			// Requests are in flight or awaiting retry backoff.
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.FetchIdleDelay):
			}
			continue
		}

		slot, err := e.cfg.Pool.AcquireSlot(ctx)
		if err != nil {
			// Shutdown won the race; hand the lease back untouched.
			if rerr := e.cfg.Queue.Reclaim(taskCtx, req, e.clock.Now()); rerr != nil {
				e.log.Error("reclaim on shutdown failed",
					zap.String("url", req.URL), zap.Error(rerr))
			}
			break admission
		}

		tasks.Add(1)
		go func(req *crawl.Request, slot *pool.Slot) {
			defer tasks.Done()
			defer slot.Release()
			e.runTask(taskCtx, req)
		}(req, slot)
	}

	tasks.Wait()
	loopCancel()
	background.Wait()

	stats := e.stats()
	// The run context may already be canceled; counting leftovers still
	// needs to work during shutdown.
	countCtx, countCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer countCancel()
	if remaining, err := e.cfg.Queue.PendingCount(countCtx); err == nil {
		stats.Remaining = remaining
	} else {
		e.log.Warn("pending count unavailable", zap.Error(err))
	}

	e.publishRunCompleted(countCtx, stats)
	e.log.Info("crawl finished",
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed_terminal", stats.FailedTerminal),
		zap.Int64("retries", stats.Retries),
		zap.Int64("remaining", stats.Remaining),
	)

	if err := e.abortError(); err != nil {
		return stats, err
	}
	return stats, nil
}

// runTask processes one leased request end to end.
func (e *Engine) runTask(ctx context.Context, req *crawl.Request) {
	ctx, span := e.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.url", req.URL),
			attribute.Int("request.retries", req.Retries),
		),
	)
	defer span.End()

	log := e.log.With(zap.String("request_id", req.ID), zap.String("url", req.URL))
	pc := pipeline.NewContext(req, log, e.hooks())

	if e.cfg.Snapshotter != nil {
		e.cfg.Snapshotter.RecordRequest()
	}

	setTaskState(span, crawl.TaskAdmitted)
	start := e.clock.Now()
	setTaskState(span, crawl.TaskPipelineRunning)
	err := e.cfg.Pipeline.Run(ctx, pc)
	if err == nil {
		setTaskState(span, crawl.TaskHandlerRunning)
		err = e.cfg.Handler(ctx, pc)
	}
	duration := e.clock.Now().Sub(start)

	e.feedbackSession(pc, err)

	switch {
	case err == nil:
		setTaskState(span, crawl.TaskSucceeded)
		e.finish(ctx, req, "succeeded", duration, &e.succeeded, log)

	case pipeline.IsSkip(err):
		setTaskState(span, crawl.TaskSkipped)
		log.Debug("request skipped", zap.Error(err))
		e.finish(ctx, req, "skipped", duration, &e.skipped, log)

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// The run was aborted mid-task; the attempt does not count.
		if rerr := e.cfg.Queue.Reclaim(context.Background(), req, e.clock.Now()); rerr != nil {
			log.Error("reclaim after abort failed", zap.Error(rerr))
		}

	case crawl.IsTerminal(err) || !e.cfg.RetryPolicy.ShouldRetry(err, req.Retries):
		setTaskState(span, crawl.TaskFailedTerminal)
		req.RecordFailure(req.Retries+1, err, e.clock.Now())
		log.Warn("request failed terminally",
			zap.Int("attempts", req.Retries+1), zap.Error(err))
		if e.cfg.FailedHandler != nil {
			e.cfg.FailedHandler(req, req.ErrorHistory)
		}
		e.finish(ctx, req, "failed", duration, &e.failedTerminal, log)

	default:
		setTaskState(span, crawl.TaskFailedRetryable)
		req.Retries++
		req.RecordFailure(req.Retries, err, e.clock.Now())
		backoff := e.cfg.RetryPolicy.Backoff(req.Retries)
		log.Info("request scheduled for retry",
			zap.Int("retry", req.Retries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if rerr := e.cfg.Queue.Reclaim(ctx, req, e.clock.Now().Add(backoff)); rerr != nil {
			e.recordAbort(fmt.Errorf("reclaim %s: %w", req.URL, rerr))
			return
		}
		e.retries.Add(1)
		metrics.IncRetries()
		metrics.ObserveRequest("retried", duration)
	}
}

func setTaskState(span trace.Span, state crawl.TaskState) {
	span.SetAttributes(attribute.String("task.state", string(state)))
}

// finish marks the request handled and records its outcome.
func (e *Engine) finish(ctx context.Context, req *crawl.Request, outcome string, duration time.Duration, counter *atomic.Int64, log *zap.Logger) {
	if err := e.cfg.Queue.MarkHandled(ctx, req); err != nil {
		e.recordAbort(fmt.Errorf("mark handled %s: %w", req.URL, err))
		return
	}
	counter.Add(1)
	metrics.ObserveRequest(outcome, duration)
	log.Debug("request finished",
		zap.String("outcome", outcome), zap.Duration("duration", duration))
}

// feedbackSession reports the attempt's outcome to the session that served it.
func (e *Engine) feedbackSession(pc *pipeline.Context, err error) {
	if pc.Session == nil {
		return
	}
	switch {
	case err == nil || pipeline.IsSkip(err):
		pc.Session.MarkGood()
	case errors.Is(err, crawl.ErrSessionRotate):
		pc.Session.Retire()
		if e.cfg.Snapshotter != nil {
			e.cfg.Snapshotter.RecordClientError()
		}
	default:
		pc.Session.MarkBad()
	}
}

// hooks exposes the engine's collaborators to pipeline contexts. Only
// configured capabilities are wired; the context reports the rest as absent.
func (e *Engine) hooks() pipeline.Hooks {
	h := pipeline.Hooks{
		AddRequests: e.AddRequests,
	}
	if e.cfg.Dataset != nil {
		h.PushData = e.cfg.Dataset.Push
	}
	if e.cfg.KeyValueStore != nil {
		h.SetValue = e.cfg.KeyValueStore.SetValue
	}
	return h
}

func (e *Engine) publishRunCompleted(ctx context.Context, stats crawl.RunStats) {
	if e.cfg.Publisher == nil {
		return
	}
	payload := map[string]any{
		"event":       "crawl.run.completed",
		"finished_at": e.clock.Now().UTC(),
		"stats":       stats,
	}
	if _, err := e.cfg.Publisher.Publish(ctx, "crawl-events", payload); err != nil {
		e.log.Warn("publish run event failed", zap.Error(err))
	}
}

// Stats returns a point-in-time view of the run counters.
func (e *Engine) Stats() crawl.RunStats {
	return e.stats()
}

func (e *Engine) stats() crawl.RunStats {
	return crawl.RunStats{
		Succeeded:      e.succeeded.Load(),
		Skipped:        e.skipped.Load(),
		FailedTerminal: e.failedTerminal.Load(),
		Retries:        e.retries.Load(),
	}
}

// recordAbort latches the first infrastructure failure and stops the run.
func (e *Engine) recordAbort(err error) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	if e.abortErr != nil {
		return
	}
	e.abortErr = err
	e.log.Error("aborting run", zap.Error(err))
	if e.abort != nil {
		e.abort()
	}
}

func (e *Engine) aborted() bool {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abortErr != nil
}

func (e *Engine) abortError() error {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abortErr
}
