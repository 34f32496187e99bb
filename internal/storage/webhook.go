package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/transport"
)

// WebhookConfig describes a webhook-style blob endpoint. The defaults match
// a chat webhook that answers a multipart upload with a message JSON whose
// first attachment carries the blob URL.
type WebhookConfig struct {
	// URL receives the multipart POST. Discord-style webhooks need
	// ?wait=true to reply with the message body.
	URL string
	// Token, when set, is sent as the Authorization header.
	Token string
	// FileField is the multipart field holding the blob.
	FileField string
	// LocatorPath is the gjson path of the blob URL in the reply.
	LocatorPath string
	// ProxyBase, when set, rewrites downloads to "<ProxyBase>/?<locator>".
	ProxyBase string
	// Timeout bounds a single request.
	Timeout time.Duration
	// MaxBlobSize caps a downloaded body. It defaults to the largest
	// encoded chunk.
	MaxBlobSize int64
}

const maxErrorBody = 4 << 10

// WebhookEndpoint uploads blobs through a webhook and downloads them by URL
type WebhookEndpoint struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookEndpoint validates cfg and builds the endpoint
func NewWebhookEndpoint(cfg WebhookConfig) (*WebhookEndpoint, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if cfg.FileField == "" {
		cfg.FileField = "file"
	}
	if cfg.LocatorPath == "" {
		cfg.LocatorPath = "attachments.0.url"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = compress.MaxEncodedSize(models.MaxChunkSize)
	}
	cfg.ProxyBase = strings.TrimRight(cfg.ProxyBase, "/")

	return &WebhookEndpoint{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Put posts data as a multipart file and returns the URL from the reply
func (we *WebhookEndpoint) Put(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "webhook.put",
		trace.WithAttributes(attribute.Int("size_bytes", len(data))),
	)
	defer span.End()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(we.config.FileField, uuid.New().String()+".chunk")
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, we.config.URL, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if we.config.Token != "" {
		req.Header.Set("Authorization", we.config.Token)
	}

	resp, err := we.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("webhook upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := newStatusError("webhook.put", resp)
		span.RecordError(statusErr)
		return "", statusErr
	}

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("reading webhook reply: %w", err)
	}

	locator := gjson.GetBytes(reply, we.config.LocatorPath)
	if !locator.Exists() || locator.String() == "" {
		return "", fmt.Errorf("%w: no %q in webhook reply", transport.ErrMalformedResponse, we.config.LocatorPath)
	}

	span.SetAttributes(attribute.String("locator", locator.String()))
	return locator.String(), nil
}

// Get downloads the blob at locator, through the proxy when configured
func (we *WebhookEndpoint) Get(ctx context.Context, locator string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "webhook.get",
		trace.WithAttributes(attribute.String("locator", locator)),
	)
	defer span.End()

	target := locator
	if we.config.ProxyBase != "" {
		target = we.config.ProxyBase + "/?" + locator
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &transport.StatusError{Op: "webhook.get", StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	resp, err := we.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("webhook download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := newStatusError("webhook.get", resp)
		span.RecordError(statusErr)
		return nil, statusErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, we.config.MaxBlobSize+1))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading blob body: %w", err)
	}
	if int64(len(data)) > we.config.MaxBlobSize {
		statusErr := &transport.StatusError{
			Op:         "webhook.get",
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    fmt.Sprintf("blob exceeds %d bytes", we.config.MaxBlobSize),
		}
		span.RecordError(statusErr)
		return nil, statusErr
	}
	return data, nil
}

// newStatusError captures the status, a bounded slice of the body, and any
// retry-after hint from either the header or a JSON retry_after field.
func newStatusError(op string, resp *http.Response) *transport.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	statusErr := &transport.StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if statusErr.RetryAfter == 0 {
		if hint := gjson.GetBytes(body, "retry_after"); hint.Exists() {
			statusErr.RetryAfter = time.Duration(hint.Float() * float64(time.Second))
		}
	}
	return statusErr
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
