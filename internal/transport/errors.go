package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/vader-pepe/octo-potato/internal/retry"
)

// ErrMalformedResponse marks an endpoint reply the transport cannot use.
// It is never retried.
var ErrMalformedResponse = errors.New("malformed endpoint response")

// StatusError is a non-success reply from a blob endpoint
type StatusError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

// Error returns the error message
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: endpoint returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: endpoint returned %d", e.Op, e.StatusCode)
}

// IsNotFound reports whether the endpoint said the blob is gone
func (e *StatusError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Classify decides whether an endpoint error is transient. Rate limits,
// request timeouts, 5xx replies and connection-level failures are; every
// other error is permanent.
func Classify(err error) retry.Decision {
	if err == nil || errors.Is(err, context.Canceled) {
		return retry.Decision{}
	}
	// The caller's own deadline is checked before classification, so a
	// deadline here belongs to a single request.
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Decision{Retryable: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return retry.Decision{Retryable: true, RetryAfter: statusErr.RetryAfter}
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return retry.Decision{Retryable: true}
		case statusErr.StatusCode >= 500:
			return retry.Decision{Retryable: true, RetryAfter: statusErr.RetryAfter}
		default:
			return retry.Decision{}
		}
	}

	if errors.Is(err, ErrMalformedResponse) {
		return retry.Decision{}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return retry.Decision{Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Decision{Retryable: true}
	}

	return retry.Decision{}
}
