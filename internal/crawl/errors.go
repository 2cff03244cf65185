package crawl

import (
	"errors"
	"fmt"
)

// ErrSessionRotate signals that the current session is burned (blocked,
// rate-limited, captcha'd) and the request should be retried on a fresh one.
var ErrSessionRotate = errors.New("session rotation required")

// terminalError marks a failure that must never be retried.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the engine records it without retrying. Handlers use
// it to signal programming errors and validation rejections distinctly from
// transient failures.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was wrapped by Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
