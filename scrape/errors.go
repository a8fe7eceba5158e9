package scrape

import (
	"errors"
	"fmt"

	"github.com/verdantlabs/menuwatch/browser"
	"github.com/verdantlabs/menuwatch/connectivity"
)

// KindError tags an error with its wire-level taxonomy kind
// (parse_failed, rate_limit, ...).
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string { return fmt.Sprintf("scrape: %s: %v", e.Kind, e.Err) }
func (e *KindError) Unwrap() error { return e.Err }

// ErrKind maps any pipeline error to its taxonomy kind for job rows and
// dead letters. Unknown errors map to "".
func ErrKind(err error) string {
	if err == nil {
		return ""
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return KindBlocked
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if k := browser.KindOf(err); k != "" {
		return k
	}
	var se *connectivity.HTTPStatusError
	if errors.As(err, &se) && se.Status == 429 {
		return KindRateLimit
	}
	var co *connectivity.ErrCircuitOpen
	if errors.As(err, &co) {
		return browser.KindUnavailable
	}
	return ""
}
