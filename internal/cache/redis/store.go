// Package redis implements the status cache on top of Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

const keyPrefix = "pnr:status:"

// Connect builds a client from a redis:// URL or a bare host:port address and
// verifies it with a PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store is a StatusCache backed by Redis string keys with native TTL.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// New wraps an existing client.
func New(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying connection for health probing.
func (s *Store) Client() *redis.Client {
	return s.client
}

func redisKey(key pnr.LookupKey) string {
	return keyPrefix + string(key)
}

// Get reads a cached result. Read and decode failures are logged and treated as misses.
func (s *Store) Get(ctx context.Context, key pnr.LookupKey) (pnr.StatusResult, bool) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("redis cache read failed", zap.String("key", string(key)), zap.Error(err))
		}
		metrics.ObserveCacheLookup(false)
		return pnr.StatusResult{}, false
	}
	var out pnr.StatusResult
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("redis cache entry undecodable", zap.String("key", string(key)), zap.Error(err))
		metrics.ObserveCacheLookup(false)
		return pnr.StatusResult{}, false
	}
	metrics.ObserveCacheLookup(true)
	return out, true
}

// Set writes value with ttl. A non-positive ttl is ignored.
func (s *Store) Set(ctx context.Context, key pnr.LookupKey, value pnr.StatusResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("encode cache entry", zap.String("key", string(key)), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, redisKey(key), raw, ttl).Err(); err != nil {
		s.logger.Warn("redis cache write failed", zap.String("key", string(key)), zap.Error(err))
	}
}

// Invalidate deletes key.
func (s *Store) Invalidate(ctx context.Context, key pnr.LookupKey) {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		s.logger.Warn("redis cache delete failed", zap.String("key", string(key)), zap.Error(err))
	}
}
