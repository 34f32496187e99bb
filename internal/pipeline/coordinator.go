// Package pipeline moves file bytes between a source, the blob transport
// and the metadata index: concurrent ordered ingest and sequential
// verified retrieval.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vader-pepe/octo-potato/internal/checksum"
	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/metrics"
	"github.com/vader-pepe/octo-potato/internal/models"
)

var tracer = otel.Tracer("octo-pipeline")

// DefaultWorkers is the default number of concurrent uploads
const DefaultWorkers = 4

// Uploader stores one blob and returns its locator
type Uploader interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// ChunkSource yields chunks in index order and io.EOF when done
type ChunkSource interface {
	Next() (*models.ChunkData, error)
}

// Config holds the knobs shared by the pipeline stages
type Config struct {
	// Workers bounds concurrent uploads.
	Workers int
	// Algorithm is used for new chunk checksums.
	Algorithm checksum.Algorithm
	// Encoding is applied to blobs before upload.
	Encoding compress.Encoding
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Algorithm == "" {
		c.Algorithm = checksum.Default
	}
	if c.Encoding == "" {
		c.Encoding = compress.None
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Coordinator uploads a chunk sequence with at most Workers uploads in
// flight and returns the results in index order
type Coordinator struct {
	uploader Uploader
	config   Config
}

// NewCoordinator creates a coordinator over uploader
func NewCoordinator(uploader Uploader, cfg Config) *Coordinator {
	return &Coordinator{uploader: uploader, config: cfg.withDefaults()}
}

// Run drains source and uploads every chunk. total is the expected chunk
// count, or -1 when unknown; it only decorates errors.
//
// On success the returned chunks are exactly indices 0..n-1. On the first
// terminal failure the remaining uploads are cancelled, the source is no
// longer read, and Run returns the chunks that did upload alongside the
// error. Those blobs are orphaned.
func (c *Coordinator) Run(ctx context.Context, fileID string, total int, source ChunkSource) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "pipeline.upload_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("workers", c.config.Workers),
		),
	)
	defer span.End()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Workers)

	var (
		mu      sync.Mutex
		results []*models.Chunk
		readErr error
	)

	for index := 0; gctx.Err() == nil; index++ {
		data, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = models.NewStageError(models.StageSplit, fileID, index, total, err)
			break
		}

		chunk := &models.Chunk{
			FileID:   fileID,
			Index:    data.Index,
			Size:     data.Size,
			Checksum: checksum.Digest(c.config.Algorithm, data.Data),
			Encoding: string(c.config.Encoding),
		}
		blob, err := compress.Encode(c.config.Encoding, data.Data)
		if err != nil {
			readErr = models.NewStageError(models.StageSplit, fileID, index, total, err)
			break
		}

		mu.Lock()
		results = append(results, nil)
		mu.Unlock()

		g.Go(func() error {
			locator, err := c.uploader.Upload(gctx, blob)
			if err != nil {
				return models.NewStageError(models.StageUpload, fileID, chunk.Index, total, err)
			}
			chunk.Locator = locator

			mu.Lock()
			results[chunk.Index] = chunk
			mu.Unlock()

			c.config.Metrics.ChunkUploaded()
			c.config.Logger.WithFields(logrus.Fields{
				"file_id": fileID,
				"chunk":   chunk.Index,
				"size":    chunk.Size,
				"locator": locator,
			}).Debug("chunk uploaded")
			return nil
		})
	}

	if readErr != nil {
		cancel()
	}
	waitErr := g.Wait()

	switch {
	case readErr != nil:
		span.RecordError(readErr)
		return uploaded(results), readErr
	case waitErr != nil:
		span.RecordError(waitErr)
		return uploaded(results), waitErr
	case parent.Err() != nil:
		// Cancelled between dispatches; nothing failed but the sequence
		// was not drained.
		return uploaded(results), models.NewStageError(models.StageUpload, fileID, len(results), total, parent.Err())
	}

	span.SetAttributes(attribute.Int("chunk_count", len(results)))
	return results, nil
}

// uploaded returns the non-empty slots of a partial result table
func uploaded(results []*models.Chunk) []*models.Chunk {
	done := make([]*models.Chunk, 0, len(results))
	for _, chunk := range results {
		if chunk != nil {
			done = append(done, chunk)
		}
	}
	return done
}

// Locators lists the remote locators of chunks
func Locators(chunks []*models.Chunk) []string {
	locators := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		locators = append(locators, chunk.Locator)
	}
	return locators
}
