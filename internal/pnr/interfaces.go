package pnr

import (
	"context"
	"io"
	"time"
)

// Fetcher resolves a single lookup key. Implementations never return an error;
// failures are reported through StatusResult.Error.
type Fetcher interface {
	Fetch(ctx context.Context, key LookupKey) StatusResult
}

// StatusCache short-circuits fetches for recently seen keys.
type StatusCache interface {
	Get(ctx context.Context, key LookupKey) (StatusResult, bool)
	Set(ctx context.Context, key LookupKey, value StatusResult, ttl time.Duration)
	Invalidate(ctx context.Context, key LookupKey)
}

// AlertSender raises operator alerts. Implemented by the alerting service.
type AlertSender interface {
	SendMediumAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	SendHighAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	SendCriticalAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
