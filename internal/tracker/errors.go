package tracker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/crustclub/crustclub/internal/event"
)

// Sentinel causes attached to *Error.
var (
	// ErrTimeout is the cause of calls aborted at the timeout ceiling.
	ErrTimeout = errors.New("request timed out")

	// ErrUnexpectedStatus is the cause of calls answered with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// MaxErrorBody bounds how much of a failed response body is kept on *Error.
const MaxErrorBody = 4 << 10

// Error is returned by Tracker.Do for every failed call. Kind carries the
// classification so callers never have to inspect the message text.
type Error struct {
	Kind      event.OutcomeKind
	RequestID string
	Method    string
	URL       string

	// StatusCode and Body are set for http-error outcomes.
	StatusCode int
	Body       []byte

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case event.OutcomeHTTPError:
		return fmt.Sprintf("%s %s: %v: %d", e.Method, e.URL, e.Err, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the backend rejected the call with 429.
func (e *Error) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether repeating the call may succeed. The tracker
// itself never retries.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case event.OutcomeTimeout, event.OutcomeTransportError:
		return true
	case event.OutcomeHTTPError:
		return e.RateLimited() || e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// IsTimeout reports whether err is a call aborted at the timeout ceiling.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// KindOf returns the outcome kind carried by err, or "" when err did not come
// from a tracker.
func KindOf(err error) event.OutcomeKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
