// Package vault is the public face of the chunk store: ingest, list,
// export and directory operations over one metadata index and one blob
// endpoint.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/pipeline"
	"github.com/vader-pepe/octo-potato/internal/storage"
)

// DefaultChunkSize is used when an ingest does not name one
const DefaultChunkSize int64 = 2_000_000

// Catalog is the metadata index the vault runs on
type Catalog interface {
	pipeline.IngestIndex
	pipeline.ChunkIndex

	Init(ctx context.Context) error
	ListFiles(ctx context.Context, dirID string) ([]*models.File, error)
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	ListPending(ctx context.Context, cutoff time.Time) ([]*models.File, error)
	DeleteFile(ctx context.Context, fileID string) ([]string, error)
	MoveFile(ctx context.Context, fileID, dirID string) error

	CreateDirectory(ctx context.Context, name, parentID string) (*models.Directory, error)
	ListDirectories(ctx context.Context, parentID string) ([]*models.Directory, error)
	MoveDirectory(ctx context.Context, dirID, parentID string) error
}

// BlobStore moves chunk blobs to and from the remote endpoint
type BlobStore interface {
	pipeline.Uploader
	pipeline.Downloader
}

// Options configures a Vault
type Options struct {
	// ChunkSize is the default chunk size for ingests.
	ChunkSize int64
	// Pipeline configures workers, checksums and blob encoding.
	Pipeline pipeline.Config
	// Cache holds File metadata for Stat. Nil disables caching.
	Cache storage.FileCache
}

// IngestOptions overrides per-ingest settings
type IngestOptions struct {
	ChunkSize   int64
	DirectoryID string
}

// Vault stores files as verified chunk sequences
type Vault struct {
	catalog   Catalog
	ingester  *pipeline.Ingester
	retriever *pipeline.Retriever
	cache     storage.FileCache
	chunkSize int64
	logger    logrus.FieldLogger
}

// New assembles a vault over catalog and blobs
func New(catalog Catalog, blobs BlobStore, opts Options) *Vault {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Cache == nil {
		opts.Cache = storage.NoopCache{}
	}
	if opts.Pipeline.Logger == nil {
		opts.Pipeline.Logger = logrus.StandardLogger()
	}

	return &Vault{
		catalog:   catalog,
		ingester:  pipeline.NewIngester(catalog, blobs, opts.Pipeline),
		retriever: pipeline.NewRetriever(catalog, blobs, opts.Pipeline),
		cache:     opts.Cache,
		chunkSize: opts.ChunkSize,
		logger:    opts.Pipeline.Logger,
	}
}

// Init creates the metadata tables
func (v *Vault) Init(ctx context.Context) error {
	return v.catalog.Init(ctx)
}

// Ingest stores source under name. size is the declared byte count or -1
// when unknown.
func (v *Vault) Ingest(ctx context.Context, name string, size int64, source io.Reader, opts IngestOptions) (*models.File, error) {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = v.chunkSize
	}

	file, err := v.ingester.Ingest(ctx, pipeline.IngestRequest{
		Name:        name,
		Size:        size,
		ChunkSize:   chunkSize,
		DirectoryID: opts.DirectoryID,
	}, source)
	if err != nil {
		return nil, err
	}

	if err := v.cache.SetFile(ctx, file); err != nil {
		v.logger.WithError(err).WithField("file_id", file.ID).Warn("failed to cache file metadata")
	}
	return file, nil
}

// IngestFile ingests a local file under its base name
func (v *Vault) IngestFile(ctx context.Context, path string, opts IngestOptions) (*models.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceRead, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceRead, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", models.ErrInvalidArgument, path)
	}

	return v.Ingest(ctx, filepath.Base(path), info.Size(), f, opts)
}

// List returns complete files, optionally within one directory
func (v *Vault) List(ctx context.Context, dirID string) ([]*models.File, error) {
	return v.catalog.ListFiles(ctx, dirID)
}

// Stat returns one complete File, from the cache when possible
func (v *Vault) Stat(ctx context.Context, fileID string) (*models.File, error) {
	cached, err := v.cache.GetFile(ctx, fileID)
	if err != nil {
		v.logger.WithError(err).WithField("file_id", fileID).Warn("cache lookup failed")
	}
	if cached != nil {
		return cached, nil
	}

	file, err := v.catalog.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := v.cache.SetFile(ctx, file); err != nil {
		v.logger.WithError(err).WithField("file_id", fileID).Warn("failed to cache file metadata")
	}
	return file, nil
}

// Export streams the verified bytes of fileID to sink
func (v *Vault) Export(ctx context.Context, fileID string, sink pipeline.Sink) (int64, error) {
	return v.retriever.Retrieve(ctx, fileID, sink)
}

// ExportToPath writes fileID to path, replacing any existing content. The
// path is only touched once the file is known to exist.
func (v *Vault) ExportToPath(ctx context.Context, fileID, path string) (int64, error) {
	if _, err := v.catalog.GetFile(ctx, fileID); err != nil {
		return 0, models.NewStageError(models.StageLookup, fileID, -1, -1, err)
	}

	sink, err := pipeline.NewFileSink(path)
	if err != nil {
		return 0, models.NewStageError(models.StageWrite, fileID, -1, -1, err)
	}

	written, err := v.retriever.Retrieve(ctx, fileID, sink)
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = models.NewStageError(models.StageWrite, fileID, -1, -1, closeErr)
	}
	return written, err
}

// Verify downloads and checks every chunk of fileID without keeping the
// bytes
func (v *Vault) Verify(ctx context.Context, fileID string) (int64, error) {
	sink := &pipeline.DiscardSink{}
	return v.retriever.Retrieve(ctx, fileID, sink)
}

// Delete removes a complete file from the index and returns the locators
// of the blobs it leaves behind. Remote blobs are not deleted.
func (v *Vault) Delete(ctx context.Context, fileID string) ([]string, error) {
	locators, err := v.catalog.DeleteFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := v.cache.Invalidate(ctx, fileID); err != nil {
		v.logger.WithError(err).WithField("file_id", fileID).Warn("failed to invalidate cached metadata")
	}

	v.logger.WithFields(logrus.Fields{
		"file_id":        fileID,
		"orphaned_blobs": len(locators),
	}).Info("file deleted")
	return locators, nil
}

// PurgePending aborts pending or failed files older than olderThan. These
// are left behind by ingests that crashed before commit or abort.
func (v *Vault) PurgePending(ctx context.Context, olderThan time.Duration) ([]*models.File, error) {
	stale, err := v.catalog.ListPending(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}

	purged := make([]*models.File, 0, len(stale))
	for _, file := range stale {
		err := v.catalog.AbortIngest(ctx, file.ID)
		switch {
		case err == nil:
			purged = append(purged, file)
		case errors.Is(err, models.ErrFileNotFound), errors.Is(err, models.ErrNotPending):
			// Finished or aborted since it was listed.
		default:
			return purged, fmt.Errorf("failed to purge %s: %w", file.ID, err)
		}
	}

	if len(purged) > 0 {
		v.logger.WithField("purged", len(purged)).Info("purged stale pending files")
	}
	return purged, nil
}

// CreateDirectory adds a directory under parentID, or at the root
func (v *Vault) CreateDirectory(ctx context.Context, name, parentID string) (*models.Directory, error) {
	return v.catalog.CreateDirectory(ctx, name, parentID)
}

// ListDirectories lists the children of parentID, or the root level
func (v *Vault) ListDirectories(ctx context.Context, parentID string) ([]*models.Directory, error) {
	return v.catalog.ListDirectories(ctx, parentID)
}

// MoveFile puts fileID into dirID, or the root when dirID is empty
func (v *Vault) MoveFile(ctx context.Context, fileID, dirID string) error {
	if err := v.catalog.MoveFile(ctx, fileID, dirID); err != nil {
		return err
	}
	if err := v.cache.Invalidate(ctx, fileID); err != nil {
		v.logger.WithError(err).WithField("file_id", fileID).Warn("failed to invalidate cached metadata")
	}
	return nil
}

// MoveDirectory reparents dirID under parentID, or to the root
func (v *Vault) MoveDirectory(ctx context.Context, dirID, parentID string) error {
	return v.catalog.MoveDirectory(ctx, dirID, parentID)
}
