package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/transport"
)

const localScheme = "local://"

// LocalEndpoint stores blobs as files under a base directory
type LocalEndpoint struct {
	basePath string
}

// NewLocalEndpoint creates the base directory if needed
func NewLocalEndpoint(basePath string) (*LocalEndpoint, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalEndpoint{basePath: basePath}, nil
}

// Put writes data to a new file and returns a local:// locator
func (le *LocalEndpoint) Put(ctx context.Context, data []byte) (string, error) {
	_, span := tracer.Start(ctx, "local.put",
		trace.WithAttributes(attribute.Int("size_bytes", len(data))),
	)
	defer span.End()

	name := uuid.New().String()
	tmp := filepath.Join(le.basePath, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(le.basePath, name)); err != nil {
		os.Remove(tmp)
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish blob: %w", err)
	}

	return localScheme + name, nil
}

// Get reads the blob addressed by locator
func (le *LocalEndpoint) Get(ctx context.Context, locator string) ([]byte, error) {
	_, span := tracer.Start(ctx, "local.get",
		trace.WithAttributes(attribute.String("locator", locator)),
	)
	defer span.End()

	name, ok := strings.CutPrefix(locator, localScheme)
	if !ok || name == "" || name != filepath.Base(name) {
		return nil, &transport.StatusError{Op: "local.get", StatusCode: http.StatusBadRequest, Message: "invalid locator " + locator}
	}

	data, err := os.ReadFile(filepath.Join(le.basePath, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &transport.StatusError{Op: "local.get", StatusCode: http.StatusNotFound, Message: locator}
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
