// Package transport moves opaque chunk blobs to and from a remote
// endpoint, retrying transient failures under an explicit policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/metrics"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/retry"
)

var tracer = otel.Tracer("octo-transport")

// Endpoint performs single, unretried blob calls against a remote store
type Endpoint interface {
	// Put stores data and returns a locator addressing it.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob at locator. A missing blob is reported as a
	// *StatusError with a 404 or 410 code.
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Transport wraps an Endpoint with retries and error mapping
type Transport struct {
	endpoint Endpoint
	policy   retry.Policy
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
}

// Option configures a Transport
type Option func(*Transport)

// WithPolicy sets the retry policy
func WithPolicy(policy retry.Policy) Option {
	return func(t *Transport) { t.policy = policy }
}

// WithLogger sets the logger used for retry warnings
func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New creates a transport over endpoint
func New(endpoint Endpoint, opts ...Option) *Transport {
	t := &Transport{
		endpoint: endpoint,
		policy:   retry.DefaultPolicy(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Upload stores data remotely and returns its locator. Permanent failures
// wrap models.ErrUploadRejected; exhausted retries wrap
// models.ErrUploadUnavailable.
func (t *Transport) Upload(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "transport.upload",
		trace.WithAttributes(attribute.Int("size_bytes", len(data))),
	)
	defer span.End()

	var locator string
	err := t.policy.Do(ctx, func(attempt int) error {
		var err error
		locator, err = t.endpoint.Put(ctx, data)
		return err
	}, Classify, t.notify("upload", ""))

	if err != nil {
		span.RecordError(err)
		return "", mapError(err, models.ErrUploadRejected, models.ErrUploadUnavailable)
	}
	if locator == "" {
		err := fmt.Errorf("%w: %w: empty locator", models.ErrUploadRejected, ErrMalformedResponse)
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.String("locator", locator))
	return locator, nil
}

// Download fetches the blob at locator. A blob the endpoint reports as
// gone fails with models.ErrBlobMissing without retrying.
func (t *Transport) Download(ctx context.Context, locator string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "transport.download",
		trace.WithAttributes(attribute.String("locator", locator)),
	)
	defer span.End()

	var data []byte
	err := t.policy.Do(ctx, func(attempt int) error {
		var err error
		data, err = t.endpoint.Get(ctx, locator)
		return err
	}, Classify, t.notify("download", locator))

	if err != nil {
		span.RecordError(err)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.IsNotFound() {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrBlobMissing, locator, err)
		}
		return nil, mapError(err, models.ErrDownloadRejected, models.ErrDownloadUnavailable)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func (t *Transport) notify(op, locator string) retry.Notify {
	return func(err error, attempt int, wait time.Duration) {
		t.metrics.Retry(op)
		entry := t.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait.String(),
		})
		if locator != "" {
			entry = entry.WithField("locator", locator)
		}
		entry.WithError(err).Warn("blob transfer failed, retrying")
	}
}

func mapError(err, permanent, exhausted error) error {
	var exhaustedErr *retry.ExhaustedError
	switch {
	case errors.As(err, &exhaustedErr):
		return fmt.Errorf("%w: %w", exhausted, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", permanent, err)
	}
}
