package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/models"
)

const (
	// CacheTTL is the time-to-live for cached file metadata (5 minutes)
	CacheTTL = 5 * time.Minute
)

// FileCache is a read-through cache for complete File metadata. A miss
// returns nil, nil.
type FileCache interface {
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	SetFile(ctx context.Context, file *models.File) error
	Invalidate(ctx context.Context, fileID string) error
}

// NoopCache never stores anything
type NoopCache struct{}

func (NoopCache) GetFile(context.Context, string) (*models.File, error) { return nil, nil }
func (NoopCache) SetFile(context.Context, *models.File) error           { return nil }
func (NoopCache) Invalidate(context.Context, string) error              { return nil }

// RedisCache keeps File metadata in Redis under file:<id>
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and checks the connection
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: CacheTTL}, nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func fileKey(fileID string) string {
	return "file:" + fileID
}

// GetFile returns cached metadata or nil on a miss
func (rc *RedisCache) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, fileKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.File
	if err := json.Unmarshal(data, &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &file, nil
}

// SetFile caches metadata of a complete file
func (rc *RedisCache) SetFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.set_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Name),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal file: %w", err)
	}
	if err := rc.client.Set(ctx, fileKey(file.ID), data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Invalidate drops cached metadata for fileID
func (rc *RedisCache) Invalidate(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, fileKey(fileID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
