package apperrors

import "errors"

// Standardized venue errors
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrTransientServer      = errors.New("transient server error")
	ErrValidation           = errors.New("validation error")
)

// Decision-side errors
var (
	ErrMissingMarketData     = errors.New("missing market data")
	ErrMissingField          = errors.New("missing required field")
	ErrConversionUnsupported = errors.New("conversion not supported by venue")
	ErrSessionOver           = errors.New("session over")
)

// IsFatal reports whether err must abort the session rather than skip a cycle.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
