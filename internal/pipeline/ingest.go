package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/chunker"
	"github.com/vader-pepe/octo-potato/internal/models"
)

// IngestIndex is the part of the metadata index an ingest writes to
type IngestIndex interface {
	BeginIngest(ctx context.Context, name string, size, chunkSize int64, dirID string) (string, error)
	CommitIngest(ctx context.Context, fileID string, size int64, chunks []*models.Chunk) (*models.File, error)
	AbortIngest(ctx context.Context, fileID string) error
}

// IngestRequest describes one file to ingest
type IngestRequest struct {
	Name string
	// Size is the declared byte count, or -1 when unknown. A source that
	// produces a different count fails the ingest.
	Size        int64
	ChunkSize   int64
	DirectoryID string
}

// Ingester splits a source, uploads the chunks and commits the index
type Ingester struct {
	index       IngestIndex
	coordinator *Coordinator
	config      Config
}

// NewIngester creates an ingester writing to index and uploading through
// uploader
func NewIngester(index IngestIndex, uploader Uploader, cfg Config) *Ingester {
	cfg = cfg.withDefaults()
	return &Ingester{
		index:       index,
		coordinator: NewCoordinator(uploader, cfg),
		config:      cfg,
	}
}

// Ingest stores source and returns the committed File. On any failure the
// pending File is aborted and the originating error is returned; the File
// never becomes visible.
func (in *Ingester) Ingest(ctx context.Context, req IngestRequest, source io.Reader) (file *models.File, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(
			attribute.String("file_name", req.Name),
			attribute.Int64("declared_size", req.Size),
			attribute.Int64("chunk_size", req.ChunkSize),
		),
	)
	defer span.End()

	start := time.Now()
	var size int64
	defer func() {
		in.config.Metrics.IngestFinished(time.Since(start).Seconds(), size, err)
		if err != nil {
			span.RecordError(err)
		}
	}()

	splitter, err := chunker.NewChunker(req.ChunkSize)
	if err != nil {
		return nil, models.NewStageError(models.StageBegin, "", -1, -1, err)
	}

	fileID, err := in.index.BeginIngest(ctx, req.Name, req.Size, req.ChunkSize, req.DirectoryID)
	if err != nil {
		return nil, models.NewStageError(models.StageBegin, "", -1, -1, err)
	}
	span.SetAttributes(attribute.String("file_id", fileID))

	logger := in.config.Logger.WithFields(logrus.Fields{
		"file_id":   fileID,
		"file_name": req.Name,
	})
	logger.Debug("ingest started")

	total := -1
	if req.Size >= 0 {
		total = models.ExpectedChunks(req.Size, req.ChunkSize)
	}

	seq := splitter.SplitSized(source, req.Size)
	chunks, err := in.coordinator.Run(ctx, fileID, total, seq)
	if err != nil {
		in.abort(ctx, logger, fileID, chunks, err)
		return nil, err
	}

	size = seq.BytesRead()
	if req.Size >= 0 && size != req.Size {
		err = models.NewStageError(models.StageSplit, fileID, -1, total,
			fmt.Errorf("%w: declared %d bytes, source produced %d", models.ErrSourceRead, req.Size, size))
		in.abort(ctx, logger, fileID, chunks, err)
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = models.NewStageError(models.StageCommit, fileID, -1, len(chunks), ctxErr)
		in.abort(ctx, logger, fileID, chunks, err)
		return nil, err
	}

	file, err = in.index.CommitIngest(ctx, fileID, size, chunks)
	if err != nil {
		err = models.NewStageError(models.StageCommit, fileID, -1, len(chunks), err)
		in.abort(ctx, logger, fileID, chunks, err)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"size":   size,
		"chunks": len(chunks),
	}).Info("ingest committed")
	return file, nil
}

// abort removes the pending File. It runs even when ctx is cancelled.
func (in *Ingester) abort(ctx context.Context, logger logrus.FieldLogger, fileID string, orphaned []*models.Chunk, cause error) {
	ctx = context.WithoutCancel(ctx)

	entry := logger.WithError(cause).WithField("orphaned_blobs", len(orphaned))
	if len(orphaned) > 0 {
		entry = entry.WithField("orphaned_locators", Locators(orphaned))
	}
	entry.Error("ingest failed")

	if err := in.index.AbortIngest(ctx, fileID); err != nil {
		logger.WithError(err).Error("failed to abort pending file")
	}
}
