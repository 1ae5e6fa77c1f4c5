// Package storage selects the archive backend for response bodies that the
// scraper could not interpret.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/config"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
	"github.com/JakeFAU/pnr-status-sync/internal/storage/gcs"
	"github.com/JakeFAU/pnr-status-sync/internal/storage/local"
	"github.com/JakeFAU/pnr-status-sync/internal/storage/memory"
)

// Open builds the configured archive. It returns a nil store for the "none"
// backend. The returned close function is never nil.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (pnr.BlobStore, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", config.ArchiveNone:
		return nil, noop, nil
	case config.ArchiveMemory:
		logger.Info("archive backend", zap.String("backend", cfg.Backend))
		return memory.NewBlobStore(), noop, nil
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		logger.Info("archive backend", zap.String("backend", cfg.Backend), zap.String("dir", cfg.LocalDir))
		return store, noop, nil
	case config.ArchiveGCS:
		client, store, err := gcs.Connect(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs archive: %w", err)
		}
		logger.Info("archive backend", zap.String("backend", cfg.Backend), zap.String("bucket", cfg.GCSBucket))
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}
