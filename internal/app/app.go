// Package app assembles a Vault from configuration for the binaries
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vader-pepe/octo-potato/internal/checksum"
	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/config"
	"github.com/vader-pepe/octo-potato/internal/metrics"
	"github.com/vader-pepe/octo-potato/internal/pipeline"
	"github.com/vader-pepe/octo-potato/internal/storage"
	"github.com/vader-pepe/octo-potato/internal/transport"
	"github.com/vader-pepe/octo-potato/internal/vault"
)

// App owns the vault and the connections behind it
type App struct {
	Vault   *vault.Vault
	Metrics *metrics.Metrics

	closers []func() error
}

// New connects the metadata store, blob endpoint and optional cache
// described by cfg. reg may be nil.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, reg prometheus.Registerer) (*App, error) {
	algorithm, err := checksum.ParseAlgorithm(cfg.Checksum)
	if err != nil {
		return nil, err
	}
	encoding, err := compress.ParseEncoding(cfg.Compression)
	if err != nil {
		return nil, err
	}

	a := &App{Metrics: metrics.New(reg)}

	logger.WithField("driver", cfg.DatabaseDriver).Info("connecting to metadata store")
	index, err := storage.OpenIndex(ctx, cfg.DatabaseDriver, cfg.GetDSN(), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, index.Close)

	endpoint, err := newEndpoint(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var cache storage.FileCache = storage.NoopCache{}
	if addr := cfg.GetRedisAddr(); addr != "" {
		logger.WithField("addr", addr).Info("connecting to Redis")
		redisCache, err := storage.NewRedisCache(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisCache.Close)
		cache = redisCache
	}

	blobs := transport.New(endpoint,
		transport.WithPolicy(cfg.RetryPolicy()),
		transport.WithLogger(logger),
		transport.WithMetrics(a.Metrics),
	)

	a.Vault = vault.New(index, blobs, vault.Options{
		ChunkSize: cfg.ChunkSize,
		Cache:     cache,
		Pipeline: pipeline.Config{
			Workers:   cfg.Workers,
			Algorithm: algorithm,
			Encoding:  encoding,
			Logger:    logger,
			Metrics:   a.Metrics,
		},
	})
	return a, nil
}

func newEndpoint(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (transport.Endpoint, error) {
	switch cfg.Endpoint {
	case config.EndpointWebhook:
		return storage.NewWebhookEndpoint(storage.WebhookConfig{
			URL:       cfg.Webhook,
			Token:     cfg.WebhookToken,
			ProxyBase: cfg.ProxyBase,
			Timeout:   cfg.WebhookTimeout,
		})
	case config.EndpointMinio:
		logger.WithField("endpoint", cfg.MinIOEndpoint).Info("connecting to MinIO")
		return storage.NewMinioEndpoint(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucketName,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
	case config.EndpointLocal:
		return storage.NewLocalEndpoint(cfg.BlobPath)
	default:
		return nil, fmt.Errorf("unsupported endpoint %q", cfg.Endpoint)
	}
}

// Close releases every connection, newest first
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
