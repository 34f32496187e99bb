package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/checksum"
	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
)

// Downloader fetches one blob by locator
type Downloader interface {
	Download(ctx context.Context, locator string) ([]byte, error)
}

// ChunkIndex is the part of the metadata index retrieval reads from
type ChunkIndex interface {
	GetChunks(ctx context.Context, fileID string) ([]*models.Chunk, error)
}

// Retriever reassembles a File into a Sink one verified chunk at a time
type Retriever struct {
	index      ChunkIndex
	downloader Downloader
	config     Config
}

// NewRetriever creates a retriever reading index and downloading through
// downloader
func NewRetriever(index ChunkIndex, downloader Downloader, cfg Config) *Retriever {
	return &Retriever{index: index, downloader: downloader, config: cfg.withDefaults()}
}

// Retrieve writes the bytes of fileID to sink in index order and returns
// the number of bytes written. Chunks are fetched sequentially and a chunk
// is written only after its length and checksum verify; the first failure
// stops retrieval with nothing more written.
func (r *Retriever) Retrieve(ctx context.Context, fileID string, sink Sink) (int64, error) {
	ctx, span := tracer.Start(ctx, "pipeline.retrieve",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	chunks, err := r.index.GetChunks(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		return 0, models.NewStageError(models.StageLookup, fileID, -1, -1, err)
	}

	total := len(chunks)
	var written int64
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return written, models.NewStageError(models.StageDownload, fileID, chunk.Index, total, err)
		}

		data, stage, err := r.fetch(ctx, chunk)
		if err != nil {
			span.RecordError(err)
			r.config.Logger.WithFields(logrus.Fields{
				"file_id": fileID,
				"chunk":   chunk.Index,
				"stage":   stage,
			}).WithError(err).Error("chunk retrieval failed")
			return written, models.NewStageError(stage, fileID, chunk.Index, total, err)
		}

		if err := sink.Write(data); err != nil {
			span.RecordError(err)
			return written, models.NewStageError(models.StageWrite, fileID, chunk.Index, total, err)
		}
		written += int64(len(data))
		r.config.Metrics.ChunkDownloaded(len(data))
	}

	span.SetAttributes(
		attribute.Int("chunk_count", total),
		attribute.Int64("bytes_written", written),
	)
	return written, nil
}

// fetch downloads, decodes and verifies one chunk. The returned stage names
// the step that failed.
func (r *Retriever) fetch(ctx context.Context, chunk *models.Chunk) ([]byte, string, error) {
	blob, err := r.downloader.Download(ctx, chunk.Locator)
	if err != nil {
		return nil, models.StageDownload, err
	}

	enc, err := compress.ParseEncoding(chunk.Encoding)
	if err != nil {
		return nil, models.StageDecode, fmt.Errorf("%w: %v", models.ErrIndexCorruption, err)
	}
	data, err := compress.Decode(enc, blob, chunk.Size)
	if err != nil {
		r.config.Metrics.Mismatch()
		return nil, models.StageDecode, fmt.Errorf("%w: undecodable %s blob: %w", models.ErrChecksumMismatch, enc, err)
	}

	if int64(len(data)) != chunk.Size {
		r.config.Metrics.Mismatch()
		return nil, models.StageVerify, fmt.Errorf("%w: expected %d bytes, got %d", models.ErrChecksumMismatch, chunk.Size, len(data))
	}
	ok, err := checksum.Verify(data, chunk.Checksum)
	if err != nil {
		return nil, models.StageVerify, fmt.Errorf("%w: %v", models.ErrIndexCorruption, err)
	}
	if !ok {
		r.config.Metrics.Mismatch()
		return nil, models.StageVerify, fmt.Errorf("%w: %s", models.ErrChecksumMismatch, chunk.Locator)
	}
	return data, "", nil
}
