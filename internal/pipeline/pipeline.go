// Package pipeline chains ordered enrichment stages that transform a bare
// per-request processing context into the fully equipped one handlers see.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/session"
)

// Response is the fetched payload a fetch stage attaches to the context.
type Response struct {
	URL             string
	StatusCode      int
	Headers         http.Header
	Body            []byte
	Duration        time.Duration
	RenderedBrowser bool
}

// Hooks are the engine-provided capabilities a context exposes to stages
// and handlers. All route through the engine's collaborators.
type Hooks struct {
	AddRequests func(ctx context.Context, reqs ...*crawl.Request) (int, error)
	PushData    func(ctx context.Context, record map[string]any) error
	SetValue    func(ctx context.Context, key, contentType string, value []byte) error
}

// Context is the per-request processing context. It is owned exclusively by
// the task processing its request, never shared between tasks, and grows
// monotonically as stages attach capabilities.
type Context struct {
	Request *crawl.Request
	Log     *zap.Logger

	// Capabilities filled by stages. Later stages and the handler may rely
	// on everything earlier stages attached.
	Session  *session.Session
	Response *Response
	Document *goquery.Document

	hooks  Hooks
	values map[string]any
}

// NewContext builds the base context for one request.
func NewContext(req *crawl.Request, log *zap.Logger, hooks Hooks) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		Request: req,
		Log:     log,
		hooks:   hooks,
		values:  make(map[string]any),
	}
}

// AddRequests enqueues newly discovered requests through the engine's queue,
// subject to the same fingerprint dedup as seed requests. It returns how
// many were actually added.
func (c *Context) AddRequests(ctx context.Context, reqs ...*crawl.Request) (int, error) {
	if c.hooks.AddRequests == nil {
		return 0, errors.New("add requests capability not configured")
	}
	return c.hooks.AddRequests(ctx, reqs...)
}

// PushData appends a record to the run's dataset.
func (c *Context) PushData(ctx context.Context, record map[string]any) error {
	if c.hooks.PushData == nil {
		return errors.New("dataset capability not configured")
	}
	return c.hooks.PushData(ctx, record)
}

// SetValue stores a named artifact in the run's key-value store.
func (c *Context) SetValue(ctx context.Context, key, contentType string, value []byte) error {
	if c.hooks.SetValue == nil {
		return errors.New("key-value capability not configured")
	}
	return c.hooks.SetValue(ctx, key, contentType, value)
}

// Set attaches a named value to the context. Values accumulate; stages add
// capabilities and never remove what earlier stages attached.
func (c *Context) Set(key string, value any) {
	c.values[key] = value
}

// Value returns the named value, or nil when absent.
func (c *Context) Value(key string) any {
	return c.values[key]
}

// Has reports whether the named value is present.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Stage is one link in the pipeline. Run enriches the context or fails;
// returning a Skip error short-circuits the chain terminally without marking
// the request retryable.
type Stage interface {
	Name() string
	Run(ctx context.Context, pc *Context) error
}

// StageFunc adapts a function to the Stage interface.
func StageFunc(name string, fn func(ctx context.Context, pc *Context) error) Stage {
	return &funcStage{name: name, fn: fn}
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, pc *Context) error
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Run(ctx context.Context, pc *Context) error { return s.fn(ctx, pc) }

// skipError short-circuits the pipeline for one request.
type skipError struct {
	reason string
}

func (e *skipError) Error() string { return "skipped: " + e.reason }

// Skip aborts the chain for the current request with a terminal,
// non-retryable outcome (robots rejection, validation failure).
func Skip(reason string) error {
	return &skipError{reason: reason}
}

// IsSkip reports whether err is a Skip outcome.
func IsSkip(err error) bool {
	var se *skipError
	return errors.As(err, &se)
}

// Pipeline executes stages strictly in registration order.
type Pipeline struct {
	stages []Stage
	log    *zap.Logger
}

// New builds a Pipeline over the given stages.
func New(log *zap.Logger, stages ...Stage) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{stages: append([]Stage(nil), stages...), log: log}
}

// Run drives the context through every stage in order. Stage failures and
// skips abort the chain; handler errors are the engine's business, not the
// pipeline's.
func (p *Pipeline) Run(ctx context.Context, pc *Context) error {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline interrupted: %w", err)
		}
		if err := stage.Run(ctx, pc); err != nil {
			if IsSkip(err) {
				p.log.Debug("pipeline short-circuited",
					zap.String("stage", stage.Name()),
					zap.String("url", pc.Request.URL),
					zap.Error(err),
				)
				return err
			}
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}
	return nil
}
