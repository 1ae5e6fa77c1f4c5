package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Probe names as they appear in Result.Checks.
const (
	ProbeStorage  = "storage"
	ProbeCache    = "cache"
	ProbeMemory   = "memory"
	ProbeExternal = "external"
)

// Default response-time limits above which a reachable dependency is degraded.
const (
	DefaultStorageDegradedAfter = time.Second
	DefaultCacheDegradedAfter   = 100 * time.Millisecond
)

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// StorageProbe runs a trivial round trip against Postgres.
type StorageProbe struct {
	db            execer
	degradedAfter time.Duration
}

// NewStorageProbe wraps anything with pgx's Exec signature, such as *pgxpool.Pool or a pgxmock pool.
func NewStorageProbe(db execer, degradedAfter time.Duration) *StorageProbe {
	if degradedAfter <= 0 {
		degradedAfter = DefaultStorageDegradedAfter
	}
	return &StorageProbe{db: db, degradedAfter: degradedAfter}
}

// ConnectStorage opens a pgx pool for the storage probe.
func ConnectStorage(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("health.database_dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Name implements Probe.
func (p *StorageProbe) Name() string { return ProbeStorage }

// Check implements Probe.
func (p *StorageProbe) Check(ctx context.Context) CheckResult {
	start := time.Now()
	_, err := p.db.Exec(ctx, "SELECT 1")
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:         StatusUnhealthy,
			ResponseTimeMs: elapsed.Milliseconds(),
			Message:        fmt.Sprintf("database query failed: %v", err),
		}
	}
	return timed(elapsed, p.degradedAfter, "database")
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// CacheProbe pings the Redis cache store. A probe without a client is healthy.
type CacheProbe struct {
	client        pinger
	degradedAfter time.Duration
}

// NewCacheProbe builds a probe; client may be nil when no cache store is configured.
func NewCacheProbe(client *redis.Client, degradedAfter time.Duration) *CacheProbe {
	if degradedAfter <= 0 {
		degradedAfter = DefaultCacheDegradedAfter
	}
	p := &CacheProbe{degradedAfter: degradedAfter}
	if client != nil {
		p.client = client
	}
	return p
}

// Name implements Probe.
func (p *CacheProbe) Name() string { return ProbeCache }

// Check implements Probe.
func (p *CacheProbe) Check(ctx context.Context) CheckResult {
	if p.client == nil {
		return CheckResult{Status: StatusHealthy, Message: "cache store not configured"}
	}
	start := time.Now()
	err := p.client.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:         StatusUnhealthy,
			ResponseTimeMs: elapsed.Milliseconds(),
			Message:        fmt.Sprintf("cache ping failed: %v", err),
		}
	}
	return timed(elapsed, p.degradedAfter, "cache")
}

func timed(elapsed, degradedAfter time.Duration, what string) CheckResult {
	r := CheckResult{
		Status:         StatusHealthy,
		ResponseTimeMs: elapsed.Milliseconds(),
		Message:        what + " responding normally",
	}
	if elapsed > degradedAfter {
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%s slow: %dms", what, elapsed.Milliseconds())
	}
	return r
}

// MemoryReader returns heap bytes in use and heap bytes obtained from the OS.
type MemoryReader func() (used, total uint64)

// RuntimeMemory reads the Go runtime heap counters.
func RuntimeMemory() (used, total uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

// MemoryProbe grades the heap usage ratio: <75% healthy, 75-90% degraded, >90% unhealthy.
type MemoryProbe struct {
	read MemoryReader
}

// NewMemoryProbe builds a probe. A nil reader uses RuntimeMemory.
func NewMemoryProbe(read MemoryReader) *MemoryProbe {
	if read == nil {
		read = RuntimeMemory
	}
	return &MemoryProbe{read: read}
}

// Name implements Probe.
func (p *MemoryProbe) Name() string { return ProbeMemory }

// Check implements Probe.
func (p *MemoryProbe) Check(context.Context) CheckResult {
	used, total := p.read()
	if total == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: "heap size unavailable"}
	}
	pct := float64(used) / float64(total) * 100
	r := CheckResult{
		Details: map[string]any{
			"heapUsed":     used,
			"heapTotal":    total,
			"usagePercent": pct,
		},
	}
	switch {
	case pct > 90:
		r.Status = StatusUnhealthy
	case pct >= 75:
		r.Status = StatusDegraded
	default:
		r.Status = StatusHealthy
	}
	r.Message = fmt.Sprintf("heap usage %.1f%%", pct)
	return r
}

// Target is one external endpoint checked for reachability.
type Target struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// ExternalProbe sends HEAD requests to each target in parallel.
type ExternalProbe struct {
	targets []Target
	client  *http.Client
}

// NewExternalProbe builds a probe; client defaults to one with the given timeout.
func NewExternalProbe(targets []Target, timeout time.Duration, client *http.Client) *ExternalProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &ExternalProbe{targets: targets, client: client}
}

// Name implements Probe.
func (p *ExternalProbe) Name() string { return ProbeExternal }

// Check implements Probe. Any HTTP response counts as reachable.
func (p *ExternalProbe) Check(ctx context.Context) CheckResult {
	if len(p.targets) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no external targets configured"}
	}
	start := time.Now()
	reachable := make([]string, len(p.targets))
	var wg sync.WaitGroup
	for i, target := range p.targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			reachable[i] = p.reach(ctx, target.URL)
		}(i, target)
	}
	wg.Wait()

	details := make(map[string]any, len(p.targets))
	down := 0
	for i, target := range p.targets {
		details[target.Name] = reachable[i]
		if reachable[i] != "ok" {
			down++
		}
	}
	r := CheckResult{
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Details:        details,
	}
	switch {
	case down == 0:
		r.Status = StatusHealthy
		r.Message = "all external services reachable"
	case down == len(p.targets):
		r.Status = StatusUnhealthy
		r.Message = "no external services reachable"
	default:
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%d of %d external services unreachable", down, len(p.targets))
	}
	return r
}

func (p *ExternalProbe) reach(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err.Error()
	}
	_ = resp.Body.Close()
	return "ok"
}
