// Package batch drives many status lookups through the cache and scraper,
// strictly one key at a time, with spacing, retries and aggregate reporting.
package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/cache"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultRequestDelay = 2 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryDelay   = time.Second
)

// Backoff selects how the wait between retries grows.
type Backoff string

// Backoff kinds.
const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Options tunes a batch run. Zero values take the package defaults; a negative
// MaxRetries disables retries. The retry policy is built per call from
// MaxRetries, RetryDelay, Backoff and MaxBackoff.
type Options struct {
	RequestDelay  time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Backoff       Backoff
	MaxBackoff    time.Duration
	ForceRefresh  bool
	CacheTTL      time.Duration
	ErrorCacheTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestDelay <= 0 {
		o.RequestDelay = DefaultRequestDelay
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Backoff == "" {
		o.Backoff = BackoffFixed
	}
	return o
}

func (o Options) retryPolicy() RetryPolicy {
	if o.Backoff == BackoffExponential {
		return NewExponentialRetryPolicy(o.MaxRetries, o.RetryDelay, o.MaxBackoff)
	}
	return NewFixedRetryPolicy(o.MaxRetries, o.RetryDelay)
}

// ProgressFunc observes progress after each key. index is 1-based.
type ProgressFunc func(index, total int, key pnr.LookupKey)

// Processor runs batches. It is safe for concurrent use, but each batch is serial.
type Processor struct {
	fetcher  pnr.Fetcher
	cache    pnr.StatusCache
	defaults Options
	sleep    func(context.Context, time.Duration) error
	logger   *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithDefaults sets the options used when a call passes a zero field.
func WithDefaults(o Options) Option {
	return func(p *Processor) { p.defaults = o }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleeper replaces the context-aware sleep used for spacing and backoff.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

// New builds a Processor. cache may be nil to always hit the fetcher.
func New(fetcher pnr.Fetcher, statusCache pnr.StatusCache, opts ...Option) *Processor {
	p := &Processor{
		fetcher: fetcher,
		cache:   statusCache,
		sleep:   sleepWithContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch looks up every key in order. It never fails: per-key failures are
// reported in the outcome. If ctx is cancelled the run stops between keys or
// attempts and the outcome is marked Cancelled; keys not reached are not counted.
func (p *Processor) ProcessBatch(ctx context.Context, keys []pnr.LookupKey, opts Options, onProgress ProgressFunc) (out pnr.BatchOutcome) {
	start := time.Now()
	opts = p.merge(opts).withDefaults()
	out = pnr.BatchOutcome{
		Results:     []pnr.StatusResult{},
		FlushedKeys: []pnr.LookupKey{},
		Errors:      []pnr.KeyError{},
	}
	defer func() {
		out.Duration = time.Since(start)
		metrics.ObserveBatch(out.Duration)
	}()

	total := len(keys)
	for i, key := range keys {
		if ctx.Err() != nil {
			out.Cancelled = true
			break
		}

		result, cancelled := p.processKey(ctx, key, opts)
		p.account(&out, result)
		if onProgress != nil {
			onProgress(i+1, total, key)
		}
		if cancelled {
			out.Cancelled = true
			break
		}

		if i < total-1 {
			if err := p.sleep(ctx, opts.RequestDelay); err != nil {
				out.Cancelled = true
				break
			}
		}
	}

	p.logger.Info("batch complete",
		zap.Int("keys", total),
		zap.Int("processed", out.TotalProcessed),
		zap.Int("successful", out.TotalSuccessful),
		zap.Int("failed", out.TotalFailed),
		zap.Int("flushed", len(out.FlushedKeys)),
		zap.Bool("cancelled", out.Cancelled),
	)
	return out
}

// Lookup resolves a single key with the same cache and retry rules as a batch.
func (p *Processor) Lookup(ctx context.Context, key pnr.LookupKey, opts Options) pnr.StatusResult {
	opts = p.merge(opts).withDefaults()
	result, _ := p.processKey(ctx, key, opts)
	return result
}

// ProcessWithThrottling spaces requests to stay under requestsPerMinute.
func (p *Processor) ProcessWithThrottling(
	ctx context.Context,
	keys []pnr.LookupKey,
	requestsPerMinute int,
	onProgress ProgressFunc,
) pnr.BatchOutcome {
	return p.ProcessBatch(ctx, keys, Options{RequestDelay: ThrottleDelay(requestsPerMinute)}, onProgress)
}

// ThrottleDelay is the gap between requests that keeps a batch at or under
// requestsPerMinute. Non-positive rates return zero, meaning the default delay.
func ThrottleDelay(requestsPerMinute int) time.Duration {
	if requestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(requestsPerMinute)
}

func (p *Processor) processKey(ctx context.Context, key pnr.LookupKey, opts Options) (pnr.StatusResult, bool) {
	valid, err := pnr.ValidateKey(string(key))
	if err != nil {
		return pnr.FailedResult(key, pnr.KindValidation, err.Error(), time.Now().UTC()), false
	}
	key = valid

	var previous pnr.StatusResult
	hadPrevious := false
	if p.cache != nil {
		cached, ok := p.cache.Get(ctx, key)
		if !opts.ForceRefresh && ok {
			return cached, false
		}
		if opts.ForceRefresh {
			previous, hadPrevious = cached, ok
			p.cache.Invalidate(ctx, key)
		}
	}

	var result pnr.StatusResult
	cancelled := false
	policy := opts.retryPolicy()
	for attempt := 1; ; attempt++ {
		result = p.fetcher.Fetch(ctx, key)
		if !policy.ShouldRetry(result, attempt) {
			break
		}
		backoff := policy.Backoff(attempt)
		p.logger.Debug("retrying status lookup",
			zap.String("key", string(key)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.String("error", result.Error),
		)
		if err := p.sleep(ctx, backoff); err != nil {
			cancelled = true
			break
		}
	}
	if ctx.Err() != nil {
		// Results produced by a cancelled context say nothing about the site.
		return result, true
	}

	if hadPrevious && cache.ShouldInvalidate(previous, result.StatusText) {
		p.logger.Info("terminal status superseded",
			zap.String("key", string(key)),
			zap.String("previous", previous.StatusText),
			zap.String("current", result.StatusText),
		)
	}

	if p.cache != nil {
		if ttl := cache.TTLFor(result, opts.CacheTTL, opts.ErrorCacheTTL); ttl > 0 {
			p.cache.Set(ctx, key, result, ttl)
		}
	}
	return result, cancelled
}

func (p *Processor) account(out *pnr.BatchOutcome, result pnr.StatusResult) {
	out.TotalProcessed++
	switch {
	case result.Failed():
		out.TotalFailed++
		out.Errors = append(out.Errors, pnr.KeyError{Key: result.Key, Error: result.Error, Kind: result.ErrorKind})
		metrics.ObserveBatchItem("failed")
	case result.IsTerminalInvalid:
		out.TotalSuccessful++
		out.Results = append(out.Results, result)
		out.FlushedKeys = append(out.FlushedKeys, result.Key)
		metrics.ObserveBatchItem("flushed")
	default:
		out.TotalSuccessful++
		out.Results = append(out.Results, result)
		metrics.ObserveBatchItem("success")
	}
}

func (p *Processor) merge(o Options) Options {
	d := p.defaults
	if o.RequestDelay <= 0 {
		o.RequestDelay = d.RequestDelay
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.ErrorCacheTTL <= 0 {
		o.ErrorCacheTTL = d.ErrorCacheTTL
	}
	if o.Backoff == "" {
		o.Backoff = d.Backoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	return o
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
