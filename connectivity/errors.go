package connectivity

import (
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// for the upstream is open. RetryAfter hints when the next probe may be
// admitted.
type ErrCircuitOpen struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open for %q, retry after %s", e.Key, e.RetryAfter.Round(time.Second))
}

// ErrRetriesExhausted wraps the last error after all retry attempts failed.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("connectivity: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }
