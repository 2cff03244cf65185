// Package memory provides the in-memory request queue used for tests and
// single-process runs.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

type entryState int

const (
	statePending entryState = iota
	stateInProgress
	stateHandled
)

type entry struct {
	req        *crawl.Request
	state      entryState
	eligibleAt time.Time
	elem       *list.Element
}

// Queue is a fingerprint-deduplicated in-memory request queue. Ordering is
// FIFO among eligible requests; reclaimed requests rejoin at the tail with a
// backoff deadline. Each request is owned by at most one fetcher between
// FetchNext and MarkHandled/Reclaim.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry // by fingerprint
	pending *list.List        // of *entry, FIFO
	clock   crawl.Clock
}

// New constructs an empty queue.
func New(clock crawl.Clock) *Queue {
	if clock == nil {
		clock = crawl.SystemClock{}
	}
	return &Queue{
		entries: make(map[string]*entry),
		pending: list.New(),
		clock:   clock,
	}
}

// Add enqueues the request unless its fingerprint is already known.
func (q *Queue) Add(_ context.Context, req *crawl.Request) (bool, error) {
	if req == nil || req.Fingerprint == "" {
		return false, fmt.Errorf("request must carry a fingerprint")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[req.Fingerprint]; exists {
		return false, nil
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.clock.Now()
	}
	e := &entry{req: req, state: statePending}
	e.elem = q.pending.PushBack(e)
	q.entries[req.Fingerprint] = e
	return true, nil
}

// FetchNext returns the oldest eligible pending request and marks it
// in-progress, or (nil, nil) when nothing is eligible right now.
func (q *Queue) FetchNext(_ context.Context) (*crawl.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for elem := q.pending.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.eligibleAt.After(now) {
			continue
		}
		q.pending.Remove(elem)
		e.elem = nil
		e.state = stateInProgress
		return e.req, nil
	}
	return nil, nil
}

// MarkHandled removes the request from active processing.
func (q *Queue) MarkHandled(_ context.Context, req *crawl.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(req)
	if err != nil {
		return err
	}
	e.state = stateHandled
	return nil
}

// Reclaim returns an in-progress request to the pending set, eligible again
// no earlier than eligibleAt.
func (q *Queue) Reclaim(_ context.Context, req *crawl.Request, eligibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(req)
	if err != nil {
		return err
	}
	e.req = req
	e.state = statePending
	e.eligibleAt = eligibleAt
	e.elem = q.pending.PushBack(e)
	return nil
}

// IsFinished reports true only when nothing is pending, in-progress, or
// awaiting a retry deadline.
func (q *Queue) IsFinished(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.state != stateHandled {
			return false, nil
		}
	}
	return true, nil
}

// PendingCount returns the number of requests not yet terminally handled.
func (q *Queue) PendingCount(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, e := range q.entries {
		if e.state != stateHandled {
			n++
		}
	}
	return n, nil
}

func (q *Queue) ownedLocked(req *crawl.Request) (*entry, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	e, exists := q.entries[req.Fingerprint]
	if !exists {
		return nil, fmt.Errorf("request %s is not in the queue", req.ID)
	}
	if e.state != stateInProgress {
		return nil, fmt.Errorf("request %s is not in progress", req.ID)
	}
	return e, nil
}
