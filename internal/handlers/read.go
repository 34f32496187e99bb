package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/pipeline"
)

// ReadHandler handles file download requests
type ReadHandler struct {
	store  Store
	logger logrus.FieldLogger
}

// NewReadHandler creates a new read handler
func NewReadHandler(store Store, logger logrus.FieldLogger) *ReadHandler {
	return &ReadHandler{store: store, logger: logger}
}

// ServeHTTP handles GET /files/{file_id}. Chunks are verified one at a time
// and streamed; a failure after the first byte aborts the connection so the
// client sees a truncated body rather than a short success.
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["file_id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	file, err := rh.store.Stat(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_name", file.Name),
		attribute.Int64("file_size", file.Size),
		attribute.Int("chunk_count", file.ChunkCount),
	)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))

	written, err := rh.store.Export(ctx, fileID, pipeline.NewStreamSink(w))
	if err != nil {
		span.RecordError(err)
		logger := rh.logger.WithError(err).WithField("file_id", fileID)
		if written == 0 {
			logger.Error("export failed")
			writeError(w, err)
			return
		}
		logger.WithField("bytes_written", written).Error("export failed mid-stream")
		panic(http.ErrAbortHandler)
	}

	rh.logger.WithFields(logrus.Fields{
		"file_id":   fileID,
		"file_name": file.Name,
	}).Debug("file read completed")
}
