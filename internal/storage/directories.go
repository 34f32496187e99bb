package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/models"
)

// CreateDirectory adds a directory under parentID, or at the root when
// parentID is empty. Names are unique among siblings.
func (ix *Index) CreateDirectory(ctx context.Context, name, parentID string) (*models.Directory, error) {
	ctx, span := tracer.Start(ctx, "index.create_directory",
		trace.WithAttributes(
			attribute.String("directory_name", name),
			attribute.String("parent_id", parentID),
		),
	)
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: invalid directory name %q", models.ErrDirectory, name)
	}
	if parentID != "" {
		if _, err := ix.GetDirectory(ctx, parentID); err != nil {
			return nil, err
		}
	}

	siblings, err := ix.ListDirectories(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.Name == name {
			return nil, fmt.Errorf("%w: %q already exists", models.ErrDirectory, name)
		}
	}

	dir := &models.Directory{
		ID:        uuid.New().String(),
		Name:      name,
		ParentID:  parentID,
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()),
	}
	_, err = ix.db.ExecContext(ctx,
		`INSERT INTO directories (id, name, parent_id, created_at) VALUES (?, ?, ?, ?)`,
		dir.ID, dir.Name, nullString(parentID), dir.CreatedAt.UnixMilli())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert directory: %w", err)
	}

	span.SetAttributes(attribute.String("directory_id", dir.ID))
	return dir, nil
}

// GetDirectory returns one directory
func (ix *Index) GetDirectory(ctx context.Context, dirID string) (*models.Directory, error) {
	var dir models.Directory
	var parentID sql.NullString
	var createdAt int64

	err := ix.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, created_at FROM directories WHERE id = ?`, dirID,
	).Scan(&dir.ID, &dir.Name, &parentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: directory %s not found", models.ErrDirectory, dirID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get directory: %w", err)
	}

	dir.ParentID = parentID.String
	dir.CreatedAt = time.UnixMilli(createdAt)
	return &dir, nil
}

// ListDirectories returns the children of parentID, or the root-level
// directories when parentID is empty
func (ix *Index) ListDirectories(ctx context.Context, parentID string) ([]*models.Directory, error) {
	ctx, span := tracer.Start(ctx, "index.list_directories",
		trace.WithAttributes(attribute.String("parent_id", parentID)),
	)
	defer span.End()

	query := `SELECT id, name, parent_id, created_at FROM directories WHERE parent_id IS NULL ORDER BY name ASC`
	var args []any
	if parentID != "" {
		query = `SELECT id, name, parent_id, created_at FROM directories WHERE parent_id = ? ORDER BY name ASC`
		args = append(args, parentID)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query directories: %w", err)
	}
	defer rows.Close()

	var dirs []*models.Directory
	for rows.Next() {
		var dir models.Directory
		var parent sql.NullString
		var createdAt int64
		if err := rows.Scan(&dir.ID, &dir.Name, &parent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan directory: %w", err)
		}
		dir.ParentID = parent.String
		dir.CreatedAt = time.UnixMilli(createdAt)
		dirs = append(dirs, &dir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating directories: %w", err)
	}
	return dirs, nil
}

// MoveDirectory reparents dirID under parentID, or to the root when
// parentID is empty. Moving a directory into itself or one of its
// descendants is rejected.
func (ix *Index) MoveDirectory(ctx context.Context, dirID, parentID string) error {
	ctx, span := tracer.Start(ctx, "index.move_directory",
		trace.WithAttributes(
			attribute.String("directory_id", dirID),
			attribute.String("parent_id", parentID),
		),
	)
	defer span.End()

	if _, err := ix.GetDirectory(ctx, dirID); err != nil {
		return err
	}

	// Walk up from the new parent; meeting dirID means a cycle.
	for cursor := parentID; cursor != ""; {
		if cursor == dirID {
			return fmt.Errorf("%w: cannot move %s into itself", models.ErrDirectory, dirID)
		}
		ancestor, err := ix.GetDirectory(ctx, cursor)
		if err != nil {
			return err
		}
		cursor = ancestor.ParentID
	}

	if _, err := ix.db.ExecContext(ctx, `UPDATE directories SET parent_id = ? WHERE id = ?`,
		nullString(parentID), dirID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to move directory: %w", err)
	}
	return nil
}
