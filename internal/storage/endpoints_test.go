package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/transport"
)

func TestLocalEndpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	le, err := NewLocalEndpoint(t.TempDir())
	require.NoError(t, err)

	locator, err := le.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(locator, "local://"))

	data, err := le.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	other, err := le.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, locator, other)
}

func TestLocalEndpoint_GetErrors(t *testing.T) {
	ctx := context.Background()
	le, err := NewLocalEndpoint(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name    string
		locator string
		status  int
	}{
		{"missing blob", "local://0b6f5a52-0000-0000-0000-000000000000", http.StatusNotFound},
		{"wrong scheme", "s3://bucket/key", http.StatusBadRequest},
		{"path traversal", "local://../etc/passwd", http.StatusBadRequest},
		{"empty name", "local://", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := le.Get(ctx, tt.locator)
			var statusErr *transport.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestWebhookEndpoint_PutAndGet(t *testing.T) {
	blobs := map[string][]byte{}
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "secret", r.Header.Get("Authorization"))
			file, _, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			name := "blob" + string(rune('0'+len(blobs)))
			blobs[name] = data
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"1","attachments":[{"url":"`+server.URL+`/files/`+name+`"}]}`)
		case http.MethodGet:
			// Proxied downloads carry the original URL as the raw query.
			target := r.URL.RawQuery
			name := target[strings.LastIndex(target, "/")+1:]
			data, ok := blobs[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	}))
	defer server.Close()

	we, err := NewWebhookEndpoint(WebhookConfig{
		URL:       server.URL + "/hook",
		Token:     "secret",
		ProxyBase: server.URL + "/",
	})
	require.NoError(t, err)

	ctx := context.Background()
	locator, err := we.Put(ctx, []byte("chunk bytes"))
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/files/blob0", locator)

	data, err := we.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk bytes"), data)

	_, err = we.Get(ctx, server.URL+"/files/nope")
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.IsNotFound())
}

func TestWebhookEndpoint_RateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"message":"slow down","retry_after":0.5}`)
	}))
	defer server.Close()

	we, err := NewWebhookEndpoint(WebhookConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = we.Put(context.Background(), []byte("x"))
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, 2*time.Second, statusErr.RetryAfter)

	_, err = we.Put(context.Background(), []byte("x"))
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500*time.Millisecond, statusErr.RetryAfter)
}

func TestWebhookEndpoint_MalformedReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"1","attachments":[]}`)
	}))
	defer server.Close()

	we, err := NewWebhookEndpoint(WebhookConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = we.Put(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrMalformedResponse)
}

func TestWebhookEndpoint_OversizedDownload(t *testing.T) {
	var served atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		block := make([]byte, 32<<10)
		for served.Load() < 64<<20 {
			n, err := w.Write(block)
			served.Add(int64(n))
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	we, err := NewWebhookEndpoint(WebhookConfig{URL: server.URL, MaxBlobSize: 1024})
	require.NoError(t, err)

	_, err = we.Get(context.Background(), server.URL+"/blob")
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusErr.StatusCode)

	_, err = transport.New(we).Download(context.Background(), server.URL+"/blob")
	assert.ErrorIs(t, err, models.ErrDownloadRejected)
}

func TestWebhookEndpoint_DefaultBlobLimit(t *testing.T) {
	we, err := NewWebhookEndpoint(WebhookConfig{URL: "http://localhost/hook"})
	require.NoError(t, err)
	assert.Equal(t, compress.MaxEncodedSize(models.MaxChunkSize), we.config.MaxBlobSize)
}

func TestNewWebhookEndpoint_RequiresURL(t *testing.T) {
	_, err := NewWebhookEndpoint(WebhookConfig{})
	assert.Error(t, err)
	_, err = NewWebhookEndpoint(WebhookConfig{URL: "not a url"})
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 50*time.Minute)
}

func TestMinioError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusBadRequest}, http.StatusNotFound},
		{"throttled", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, http.StatusTooManyRequests},
		{"denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, http.StatusForbidden},
		{"no status", minio.ErrorResponse{Code: "InternalError"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var statusErr *transport.StatusError
			require.ErrorAs(t, minioError("minio.get", tt.err), &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}

	plain := errors.New("connection reset")
	assert.ErrorIs(t, minioError("minio.put", plain), plain)
}

func TestParseMinioLocator(t *testing.T) {
	bucket, key, err := parseMinioLocator("s3://octo/chunks/abc")
	require.NoError(t, err)
	assert.Equal(t, "octo", bucket)
	assert.Equal(t, "chunks/abc", key)

	for _, bad := range []string{"octo/chunks", "s3://octo", "s3:///key", "s3://octo/"} {
		_, _, err := parseMinioLocator(bad)
		assert.Error(t, err, bad)
	}
}
