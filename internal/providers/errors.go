package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for provider failures. Callers branch on these with
// errors.Is to decide between retrying, surfacing a 4xx, or failing the
// operation outright.
var (
	// ErrAuth means the stored credential was rejected by the provider.
	ErrAuth = errors.New("provider authentication failed")

	// ErrRateLimited means the provider returned 429. Retryable.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrModelNotFound means the requested model does not exist or is not
	// available to the credential.
	ErrModelNotFound = errors.New("model not found")

	// ErrNotConfigured means the tenant has no credential stored for the
	// selected provider.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrTransient covers 5xx and connection-level failures. Retryable.
	ErrTransient = errors.New("transient provider error")
)

// RateLimitError carries the provider's Retry-After hint when one was given.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// classifyHTTP maps a provider HTTP status to the error taxonomy. The raw
// error is preserved in the chain for logging. A 429 carries the provider's
// Retry-After hint so the retry loop can honor it.
func classifyHTTP(status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrModelNotFound, err)
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter, Err: err}
	case status >= 500:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return err
	}
}

// retryAfterHint parses a Retry-After header from a provider response. Both
// the delta-seconds and HTTP-date forms are accepted; anything else yields
// zero.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryable reports whether a failed call may succeed on retry.
// Rate limits, 5xx responses, network timeouts and deadline expiry are
// retryable. Auth failures, unknown models and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
