package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/pipeline"
	"github.com/vader-pepe/octo-potato/internal/vault"
)

var tracer = otel.Tracer("octo-handlers")

// Store is the vault surface served over HTTP
type Store interface {
	Ingest(ctx context.Context, name string, size int64, source io.Reader, opts vault.IngestOptions) (*models.File, error)
	List(ctx context.Context, dirID string) ([]*models.File, error)
	Stat(ctx context.Context, fileID string) (*models.File, error)
	Export(ctx context.Context, fileID string, sink pipeline.Sink) (int64, error)
	Verify(ctx context.Context, fileID string) (int64, error)
	Delete(ctx context.Context, fileID string) ([]string, error)
	PurgePending(ctx context.Context, olderThan time.Duration) ([]*models.File, error)

	CreateDirectory(ctx context.Context, name, parentID string) (*models.Directory, error)
	ListDirectories(ctx context.Context, parentID string) ([]*models.Directory, error)
	MoveFile(ctx context.Context, fileID, dirID string) error
	MoveDirectory(ctx context.Context, dirID, parentID string) error
}

// NewRouter wires every route. gatherer, when non-nil, is served on
// /metrics.
func NewRouter(store Store, logger logrus.FieldLogger, gatherer prometheus.Gatherer) *mux.Router {
	writeHandler := NewWriteHandler(store, logger)
	readHandler := NewReadHandler(store, logger)
	catalog := NewCatalogHandler(store, logger)

	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	routes := []struct {
		method  string
		path    string
		handler http.Handler
	}{
		{http.MethodPut, "/files", writeHandler},
		{http.MethodGet, "/files", http.HandlerFunc(catalog.ListFiles)},
		{http.MethodGet, "/files/{file_id}", readHandler},
		{http.MethodGet, "/files/{file_id}/verify", http.HandlerFunc(catalog.VerifyFile)},
		{http.MethodDelete, "/files/{file_id}", http.HandlerFunc(catalog.DeleteFile)},
		{http.MethodPut, "/files/{file_id}/directory", http.HandlerFunc(catalog.MoveFile)},
		{http.MethodPost, "/directories", http.HandlerFunc(catalog.CreateDirectory)},
		{http.MethodGet, "/directories", http.HandlerFunc(catalog.ListDirectories)},
		{http.MethodPut, "/directories/{directory_id}/parent", http.HandlerFunc(catalog.MoveDirectory)},
		{http.MethodPost, "/maintenance/purge", http.HandlerFunc(catalog.PurgePending)},
	}
	for _, route := range routes {
		router.Handle(route.path, otelhttp.NewHandler(route.handler, route.method+" "+route.path)).Methods(route.method)
	}

	return router
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrSourceRead):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDirectory), errors.Is(err, models.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, models.ErrUploadUnavailable), errors.Is(err, models.ErrDownloadUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUploadRejected), errors.Is(err, models.ErrDownloadRejected),
		errors.Is(err, models.ErrBlobMissing), errors.Is(err, models.ErrChecksumMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Disposition")
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}
