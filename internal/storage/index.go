package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/vader-pepe/octo-potato/internal/models"
)

var tracer = otel.Tracer("octo-storage")

// Supported metadata drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Index is the transactional metadata store for files, chunks and
// directories
type Index struct {
	db     *sql.DB
	driver string
	logger logrus.FieldLogger

	// commitHook runs inside the CommitIngest transaction after each chunk
	// row is written. A returned error aborts the transaction.
	commitHook func(chunkIndex int) error
}

// OpenIndex opens the metadata store. For DriverSQLite dsn is a file path;
// its parent directory is created. For DriverMySQL dsn is a go-sql-driver
// DSN.
func OpenIndex(ctx context.Context, driver, dsn string, logger logrus.FieldLogger) (*Index, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY on
		// lock upgrades inside transactions.
		db.SetMaxOpenConns(1)
	case DriverMySQL:
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("%w: unsupported metadata driver %q", models.ErrInvalidArgument, driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Index{db: db, driver: driver, logger: logger}, nil
}

// Close closes the database connection
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Init creates the tables if they do not exist
func (ix *Index) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "index.init")
	defer span.End()

	for _, stmt := range schema {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	ix.logger.WithField("driver", ix.driver).Debug("metadata schema ready")
	return nil
}

// BeginIngest creates a pending File and returns its id. A negative size
// means the size is not known yet; CommitIngest records the real one.
func (ix *Index) BeginIngest(ctx context.Context, name string, size, chunkSize int64, dirID string) (string, error) {
	ctx, span := tracer.Start(ctx, "index.begin_ingest",
		trace.WithAttributes(
			attribute.String("file_name", name),
			attribute.Int64("file_size", size),
			attribute.Int64("chunk_size", chunkSize),
		),
	)
	defer span.End()

	if name == "" {
		return "", fmt.Errorf("%w: file name is required", models.ErrInvalidArgument)
	}
	if chunkSize <= 0 {
		return "", fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidArgument, chunkSize)
	}
	if chunkSize > models.MaxChunkSize {
		return "", fmt.Errorf("%w: chunk size %d exceeds the %d byte limit", models.ErrInvalidArgument, chunkSize, models.MaxChunkSize)
	}
	if size < 0 {
		size = 0
	}
	if dirID != "" {
		if _, err := ix.GetDirectory(ctx, dirID); err != nil {
			return "", err
		}
	}

	fileID := uuid.New().String()
	query := `INSERT INTO files (id, name, size, chunk_size, chunk_count, status, directory_id, created_at)
			  VALUES (?, ?, ?, ?, 0, ?, ?, ?)`

	_, err := ix.db.ExecContext(ctx, query, fileID, name, size, chunkSize,
		string(models.StatusPending), nullString(dirID), time.Now().UnixMilli())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to insert file: %w", err)
	}

	span.SetAttributes(attribute.String("file_id", fileID))
	return fileID, nil
}

// CommitIngest writes every chunk row and flips the File to complete in one
// transaction. Either all rows and the status change become visible or
// none do. The chunk list must be ordered and contiguous and agree with
// size and the File's chunk size.
func (ix *Index) CommitIngest(ctx context.Context, fileID string, size int64, chunks []*models.Chunk) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "index.commit_ingest",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("file_size", size),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, fileID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if file.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrNotPending, fileID, file.Status)
	}
	if err := validateChunks(size, file.ChunkSize, chunks); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The conditional flip serializes concurrent commits of one file: the
	// loser matches zero rows.
	res, err := tx.ExecContext(ctx,
		`UPDATE files SET status = ?, size = ?, chunk_count = ? WHERE id = ? AND status = ?`,
		string(models.StatusComplete), size, len(chunks), fileID, string(models.StatusPending))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update file: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, fmt.Errorf("%w: %s was committed concurrently", models.ErrNotPending, fileID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (file_id, idx, size, checksum, locator, encoding) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, fileID, chunk.Index, chunk.Size, chunk.Checksum, chunk.Locator, chunk.Encoding); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to insert chunk %d: %w", chunk.Index, err)
		}
		if ix.commitHook != nil {
			if err := ix.commitHook(chunk.Index); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit ingest: %w", err)
	}

	file.Status = models.StatusComplete
	file.Size = size
	file.ChunkCount = len(chunks)
	span.SetAttributes(attribute.Bool("commit_success", true))
	return file, nil
}

// AbortIngest deletes a pending or failed File and any chunk rows it owns
func (ix *Index) AbortIngest(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "index.abort_ingest",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, fileID))
	if err != nil {
		return err
	}
	if file.Status == models.StatusComplete {
		return fmt.Errorf("%w: %s is complete", models.ErrNotPending, fileID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit abort: %w", err)
	}
	return nil
}

// ListFiles returns complete files, optionally restricted to one directory
func (ix *Index) ListFiles(ctx context.Context, dirID string) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "index.list_files",
		trace.WithAttributes(attribute.String("directory_id", dirID)),
	)
	defer span.End()

	query := selectFile + ` WHERE status = ?`
	args := []any{string(models.StatusComplete)}
	if dirID != "" {
		query += ` AND directory_id = ?`
		args = append(args, dirID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	files, err := ix.queryFiles(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// ListPending returns pending or failed files created before cutoff
func (ix *Index) ListPending(ctx context.Context, cutoff time.Time) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "index.list_pending")
	defer span.End()

	return ix.queryFiles(ctx, selectFile+` WHERE status IN (?, ?) AND created_at < ? ORDER BY created_at ASC`,
		string(models.StatusPending), string(models.StatusFailed), cutoff.UnixMilli())
}

// GetFile returns a complete File. Pending files are reported as not found.
func (ix *Index) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "index.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	file, err := scanFile(ix.db.QueryRowContext(ctx, selectFile+` WHERE id = ? AND status = ?`,
		fileID, string(models.StatusComplete)))
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// GetChunks returns the chunks of a complete File ordered by index. A
// missing or incomplete sequence is reported as models.ErrIndexCorruption
// and never repaired.
func (ix *Index) GetChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "index.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ? AND status = ?`,
		fileID, string(models.StatusComplete)))
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT file_id, idx, size, checksum, locator, encoding
		   FROM chunks
		  WHERE file_id = ?
		  ORDER BY idx ASC`, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		if err := rows.Scan(&chunk.FileID, &chunk.Index, &chunk.Size, &chunk.Checksum, &chunk.Locator, &chunk.Encoding); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	if err := validateChunks(file.Size, file.ChunkSize, chunks); err != nil {
		span.RecordError(err)
		ix.logger.WithFields(logrus.Fields{"file_id": fileID}).WithError(err).Error("chunk index failed validation")
		return nil, err
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// DeleteFile removes a complete File and its chunks. The returned locators
// no longer belong to any file.
func (ix *Index) DeleteFile(ctx context.Context, fileID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "index.delete_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ? AND status = ?`,
		fileID, string(models.StatusComplete))); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT locator FROM chunks WHERE file_id = ? ORDER BY idx ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	var locators []string
	for rows.Next() {
		var locator string
		if err := rows.Scan(&locator); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan locator: %w", err)
		}
		locators = append(locators, locator)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}

	return locators, nil
}

// MoveFile puts a complete File into dirID, or the root when dirID is empty
func (ix *Index) MoveFile(ctx context.Context, fileID, dirID string) error {
	ctx, span := tracer.Start(ctx, "index.move_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("directory_id", dirID),
		),
	)
	defer span.End()

	if dirID != "" {
		if _, err := ix.GetDirectory(ctx, dirID); err != nil {
			return err
		}
	}

	res, err := ix.db.ExecContext(ctx, `UPDATE files SET directory_id = ? WHERE id = ? AND status = ?`,
		nullString(dirID), fileID, string(models.StatusComplete))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to move file: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrFileNotFound, fileID)
	}
	return nil
}

const selectFile = `SELECT id, name, size, chunk_size, chunk_count, status, directory_id, created_at FROM files`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.File, error) {
	var file models.File
	var status string
	var dirID sql.NullString
	var createdAt int64

	err := row.Scan(&file.ID, &file.Name, &file.Size, &file.ChunkSize, &file.ChunkCount, &status, &dirID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}

	file.Status = models.FileStatus(status)
	file.DirectoryID = dirID.String
	file.CreatedAt = time.UnixMilli(createdAt)
	return &file, nil
}

func (ix *Index) queryFiles(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// validateChunks checks that chunks are exactly indices 0..n-1 with
// n = ceil(size/chunkSize), every chunk but the last is chunkSize long,
// and the lengths add up to size.
func validateChunks(size, chunkSize int64, chunks []*models.Chunk) error {
	expected := models.ExpectedChunks(size, chunkSize)
	if len(chunks) != expected {
		return fmt.Errorf("%w: expected %d chunks for %d bytes, found %d",
			models.ErrIndexCorruption, expected, size, len(chunks))
	}

	var total int64
	for i, chunk := range chunks {
		if chunk.Index != i {
			return fmt.Errorf("%w: expected chunk index %d, found %d", models.ErrIndexCorruption, i, chunk.Index)
		}
		last := i == len(chunks)-1
		if chunk.Size <= 0 || chunk.Size > chunkSize || (!last && chunk.Size != chunkSize) {
			return fmt.Errorf("%w: chunk %d has length %d with chunk size %d",
				models.ErrIndexCorruption, i, chunk.Size, chunkSize)
		}
		total += chunk.Size
	}
	if total != size {
		return fmt.Errorf("%w: chunk lengths add up to %d, file size is %d", models.ErrIndexCorruption, total, size)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
