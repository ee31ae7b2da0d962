// Package apperrors standardizes exchange error values and their
// classification for retry decisions.
package apperrors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Standardized exchange errors.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Category drives the router's retry behaviour.
type Category int

const (
	// CategoryTransient errors are retried with exponential backoff.
	CategoryTransient Category = iota
	// CategoryRateLimit errors are retried with a longer base backoff and
	// reported to the health journal.
	CategoryRateLimit
	// CategoryFatal errors abort the intent without retry.
	CategoryFatal
	// CategoryUnknown errors get a single retry, then become fatal.
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRateLimit:
		return "rate_limit"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an exchange error onto a retry category. Sentinel matches
// win; free-form errors are matched on well-known substrings so raw SDK
// errors classify sensibly too.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrRateLimitExceeded):
		return CategoryRateLimit
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrAuthenticationFailed):
		return CategoryFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "temporarily"), strings.Contains(msg, "eof"):
		return CategoryTransient
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "rejected"),
		strings.Contains(msg, "duplicate"), strings.Contains(msg, "invalid"):
		return CategoryFatal
	}
	return CategoryUnknown
}

// Retriable reports whether the category permits another attempt.
func (c Category) Retriable() bool {
	return c == CategoryTransient || c == CategoryRateLimit || c == CategoryUnknown
}
