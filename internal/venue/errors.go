package venue

import (
	"fmt"
	"time"
)

// StatusError is a non-success venue response.
// Kind is the apperrors sentinel the status was classified as, or nil for
// statuses with no special meaning.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Kind       error
	// RetryAfter is the server-advised wait for 429 responses
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%s %s: %v (status=%d body=%s)", e.Method, e.Path, e.Kind, e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("%s %s: API error: status=%d body=%s", e.Method, e.Path, e.StatusCode, string(e.Body))
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}
