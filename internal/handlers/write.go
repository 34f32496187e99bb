package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/vault"
)

// WriteHandler handles file upload requests
type WriteHandler struct {
	store  Store
	logger logrus.FieldLogger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(store Store, logger logrus.FieldLogger) *WriteHandler {
	return &WriteHandler{store: store, logger: logger}
}

// WriteResponse represents the response for a write operation
type WriteResponse struct {
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	Message    string `json:"message"`
}

// ServeHTTP handles PUT /files?name=filename[&chunk_size=n][&directory_id=id].
// The request body is streamed into the ingest pipeline.
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	defer r.Body.Close()

	query := r.URL.Query()
	filename := query.Get("name")
	if filename == "" {
		writeError(w, fmt.Errorf("%w: missing 'name' query parameter", models.ErrInvalidArgument))
		return
	}

	var opts vault.IngestOptions
	if raw := query.Get("chunk_size"); raw != "" {
		chunkSize, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || chunkSize <= 0 {
			writeError(w, fmt.Errorf("%w: invalid chunk_size %q", models.ErrInvalidArgument, raw))
			return
		}
		opts.ChunkSize = chunkSize
	}
	opts.DirectoryID = query.Get("directory_id")

	span.SetAttributes(
		attribute.String("file_name", filename),
		attribute.Int64("content_length", r.ContentLength),
	)

	file, err := wh.store.Ingest(ctx, filename, r.ContentLength, r.Body, opts)
	if err != nil {
		span.RecordError(err)
		wh.logger.WithError(err).WithField("file_name", filename).Error("upload failed")
		writeError(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_id", file.ID),
		attribute.Int("chunk_count", file.ChunkCount),
	)

	writeJSON(w, http.StatusCreated, WriteResponse{
		FileID:     file.ID,
		FileName:   file.Name,
		FileSize:   file.Size,
		ChunkSize:  file.ChunkSize,
		ChunkCount: file.ChunkCount,
		Message:    "File uploaded successfully",
	})
}
