// Package crawl defines the core types and collaborator contracts shared
// across the orchestration engine's subsystems.
package crawl

import (
	"time"
)

// TaskState represents the lifecycle state of one request-processing task.
type TaskState string

// Task states a request moves through inside the engine.
const (
	TaskPending         TaskState = "pending"
	TaskAdmitted        TaskState = "admitted"
	TaskPipelineRunning TaskState = "pipeline_running"
	TaskHandlerRunning  TaskState = "handler_running"
	TaskSucceeded       TaskState = "succeeded"
	TaskSkipped         TaskState = "skipped"
	TaskFailedRetryable TaskState = "failed_retryable"
	TaskFailedTerminal  TaskState = "failed_terminal"
)

// Request is one unit of crawl work. It is immutable once enqueued except
// for Retries, ErrorHistory, and UserData, which are updated on retry.
type Request struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Method       string          `json:"method"`
	Label        string          `json:"label,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	Retries      int             `json:"retries"`
	UserData     map[string]any  `json:"user_data,omitempty"`
	ErrorHistory []FailureRecord `json:"error_history,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// NewRequest builds a Request for the given URL with a computed fingerprint.
// The URL is normalized before fingerprinting so trivially different spellings
// of the same address deduplicate.
func NewRequest(rawURL string) (*Request, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:          NewID(),
		URL:         normalized,
		Method:      "GET",
		Fingerprint: Fingerprint("GET", normalized),
	}, nil
}

// RecordFailure appends an attempt's error to the request's history.
func (r *Request) RecordFailure(attempt int, err error, at time.Time) {
	r.ErrorHistory = append(r.ErrorHistory, FailureRecord{
		Attempt: attempt,
		Error:   err.Error(),
		At:      at,
	})
}

// FailureRecord captures one failed attempt at processing a request.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// RunStats is the final outcome of an engine run.
type RunStats struct {
	Succeeded      int64 `json:"succeeded"`
	Skipped        int64 `json:"skipped"`
	FailedTerminal int64 `json:"failed_terminal"`
	Retries        int64 `json:"retries"`
	Remaining      int64 `json:"remaining"`
}
