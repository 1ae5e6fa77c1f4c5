// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/alerting"
	"github.com/JakeFAU/pnr-status-sync/internal/api"
	"github.com/JakeFAU/pnr-status-sync/internal/batch"
	"github.com/JakeFAU/pnr-status-sync/internal/cache"
	rediscache "github.com/JakeFAU/pnr-status-sync/internal/cache/redis"
	"github.com/JakeFAU/pnr-status-sync/internal/clock/system"
	"github.com/JakeFAU/pnr-status-sync/internal/config"
	"github.com/JakeFAU/pnr-status-sync/internal/hash/sha256"
	"github.com/JakeFAU/pnr-status-sync/internal/health"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
	"github.com/JakeFAU/pnr-status-sync/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/pnr-status-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/pnr-status-sync/internal/scraper"
	"github.com/JakeFAU/pnr-status-sync/internal/storage"
)

// App holds the shared, long-lived services. It is built once at startup and
// handed to the HTTP server and the CLI commands.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	alerter   *alerting.Alerter
	collector *metrics.Collector
	monitor   *health.Monitor
	scraper   *scraper.Client
	processor *batch.Processor
	cache     pnr.StatusCache

	closers []namedCloser
	started bool
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option customizes how the App is built.
type Option func(*buildOptions)

type buildOptions struct {
	scraperTransport http.RoundTripper
	channels         []alerting.NotificationChannel
}

// WithScraperTransport overrides the HTTP transport used for the status site.
func WithScraperTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) { o.scraperTransport = rt }
}

// WithExtraChannels adds notification channels on top of the configured ones.
func WithExtraChannels(channels ...alerting.NotificationChannel) Option {
	return func(o *buildOptions) { o.channels = append(o.channels, channels...) }
}

// New creates and initializes the App from cfg. It fails fast if a configured
// backend cannot be reached; anything already opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services")
	clock := system.New()

	channels, err := a.buildChannels(ctx)
	if err != nil {
		return nil, err
	}
	channels = append(channels, bo.channels...)
	a.alerter = alerting.New(cfg.AlerterSettings(),
		alerting.WithChannels(channels...),
		alerting.WithClock(clock),
		alerting.WithErrorReporter(alerting.NewZapReporter(logger.Named("alert-reporter"))),
		alerting.WithLogger(logger.Named("alerting")),
	)

	a.collector = metrics.NewCollector(cfg.CollectorSettings(),
		metrics.WithSampler(metrics.NewProcessSampler(clock.Now())),
		metrics.WithClock(clock),
		metrics.WithAlertSender(a.alerter),
		metrics.WithLogger(logger.Named("collector")),
	)

	redisClient, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}

	scraperOpts, err := a.buildScraperOptions(ctx, clock, bo.scraperTransport)
	if err != nil {
		return nil, err
	}
	a.scraper = scraper.New(cfg.ScraperSettings(), scraperOpts...)

	a.processor = batch.New(a.scraper, a.cache,
		batch.WithDefaults(a.batchDefaults()),
		batch.WithLogger(logger.Named("batch")),
	)

	probes, err := a.buildProbes(ctx, redisClient)
	if err != nil {
		return nil, err
	}
	a.monitor = health.NewMonitor(probes,
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
		health.WithClock(clock),
		health.WithLogger(logger.Named("health")),
	)

	logger.Info("application services initialized",
		zap.Int("alert_channels", len(channels)),
		zap.Int("health_probes", len(probes)),
		zap.Bool("redis_cache", redisClient != nil),
	)
	return a, nil
}

func (a *App) buildChannels(ctx context.Context) ([]alerting.NotificationChannel, error) {
	ac := a.cfg.Alerting
	var channels []alerting.NotificationChannel
	if ac.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(ac.SlackWebhookURL, nil))
	}
	if ac.Webhook.URL != "" {
		channels = append(channels, alerting.NewWebhookChannel(ac.Webhook.URL, ac.Webhook.Headers, nil))
	}
	if len(ac.Email.To) > 0 {
		channels = append(channels, alerting.NewEmailChannel(ac.Email.To, alerting.NewSMTPMailer(ac.Email.SMTP)))
	}
	if ac.PubSub.TopicID != "" {
		client, pub, err := pubsubpublisher.Connect(ctx, ac.PubSub.ProjectID, ac.PubSub.TopicID)
		if err != nil {
			return nil, fmt.Errorf("connect alert topic: %w", err)
		}
		a.addCloser("pubsub", func() error {
			pub.Stop()
			return client.Close()
		})
		channels = append(channels, alerting.NewPubSubChannel(pub))
	}
	return channels, nil
}

func (a *App) buildCache(ctx context.Context) (*redis.Client, error) {
	if a.cfg.Cache.RedisURL == "" {
		a.cache = cache.NewMemory(nil)
		return nil, nil
	}
	client, err := rediscache.Connect(ctx, a.cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect status cache: %w", err)
	}
	a.addCloser("redis", client.Close)
	a.cache = rediscache.New(client, a.logger.Named("cache"))
	return client, nil
}

func (a *App) buildScraperOptions(ctx context.Context, clock pnr.Clock, transport http.RoundTripper) ([]scraper.Option, error) {
	sc := a.cfg.Scraper
	opts := []scraper.Option{
		scraper.WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: sc.RateLimitRPS, DefaultBurst: sc.RateLimitBurst})),
		scraper.WithAlertSender(a.alerter),
		scraper.WithClock(clock),
		scraper.WithLogger(a.logger.Named("scraper")),
	}
	if transport != nil {
		opts = append(opts, scraper.WithTransport(transport))
	}

	archive, closeArchive, err := storage.Open(ctx, a.cfg.Storage, a.logger.Named("archive"))
	if err != nil {
		return nil, err
	}
	a.addCloser("archive", closeArchive)
	if archive != nil {
		hasher, err := sha256.NewTruncated(a.cfg.Storage.HashLength)
		if err != nil {
			return nil, fmt.Errorf("archive hasher: %w", err)
		}
		opts = append(opts, scraper.WithArchive(archive, hasher))
	}
	return opts, nil
}

func (a *App) buildProbes(ctx context.Context, redisClient *redis.Client) ([]health.Probe, error) {
	hc := a.cfg.Health
	probes := []health.Probe{
		health.NewCacheProbe(redisClient, hc.CacheDegradedAfter),
		health.NewMemoryProbe(nil),
		health.NewExternalProbe(hc.Targets, hc.ExternalTimeout, nil),
	}
	if hc.DatabaseDSN != "" {
		pool, err := health.ConnectStorage(ctx, hc.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("connect storage probe: %w", err)
		}
		a.addCloser("postgres", func() error {
			pool.Close()
			return nil
		})
		probes = append(probes, health.NewStorageProbe(pool, hc.StorageDegradedAfter))
	}
	return probes, nil
}

func (a *App) batchDefaults() batch.Options {
	bc := a.cfg.Batch
	return batch.Options{
		RequestDelay:  bc.RequestDelay,
		MaxRetries:    bc.MaxRetries,
		RetryDelay:    bc.RetryDelay,
		Backoff:       batch.Backoff(bc.Backoff),
		MaxBackoff:    bc.MaxBackoff,
		CacheTTL:      a.cfg.Cache.TTL,
		ErrorCacheTTL: a.cfg.Cache.ErrorTTL,
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Start launches the background metric sampler and the error-rate check.
func (a *App) Start() {
	if a.started {
		return
	}
	a.started = true
	a.collector.StartCollection(a.cfg.Metrics.Interval)
	a.alerter.Start()
	a.logger.Info("background loops started",
		zap.Duration("metrics_interval", a.cfg.Metrics.Interval),
		zap.Duration("alert_check_interval", a.cfg.Alerting.CheckInterval),
	)
}

// Close stops background loops and releases backend connections in reverse
// order of creation.
func (a *App) Close() {
	if a.collector != nil {
		a.collector.StopCollection()
	}
	if a.alerter != nil {
		a.alerter.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing backend", zap.String("backend", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Alerter returns the alerting service.
func (a *App) Alerter() *alerting.Alerter { return a.alerter }

// Collector returns the in-process metrics collector.
func (a *App) Collector() *metrics.Collector { return a.collector }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Processor returns the batch processor.
func (a *App) Processor() *batch.Processor { return a.processor }

// Scraper returns the status site client.
func (a *App) Scraper() *scraper.Client { return a.scraper }

// Cache returns the status cache.
func (a *App) Cache() pnr.StatusCache { return a.cache }

// Handler builds the operator HTTP API over the App's services.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Status:  a,
		Health:  a.monitor,
		Metrics: a.collector,
		Alerts:  a.alerter,
	}, a.cfg, a.logger.Named("api")).Handler()
}

// Check runs every health probe once.
func (a *App) Check(ctx context.Context) health.Result {
	return a.monitor.Check(ctx)
}

// Lookup validates raw and resolves it through the cache and the scraper.
// Failed lookups count towards the error-rate alert.
func (a *App) Lookup(ctx context.Context, raw string, forceRefresh bool) pnr.StatusResult {
	start := time.Now()
	result := a.processor.Lookup(ctx, pnr.LookupKey(raw), batch.Options{ForceRefresh: forceRefresh})
	if result.Failed() && result.ErrorKind != pnr.KindValidation {
		a.alerter.RecordError()
	}
	a.logger.Debug("lookup",
		zap.String("key", raw),
		zap.String("status", result.StatusText),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result
}

// RunBatch processes keys in order. Invalid keys are reported in the outcome
// like any other failure; all other failures count towards the error-rate alert.
func (a *App) RunBatch(ctx context.Context, keys []string, opts batch.Options, onProgress batch.ProgressFunc) pnr.BatchOutcome {
	lookupKeys := make([]pnr.LookupKey, len(keys))
	for i, k := range keys {
		lookupKeys[i] = pnr.LookupKey(k)
	}
	out := a.processor.ProcessBatch(ctx, lookupKeys, opts, onProgress)
	for _, e := range out.Errors {
		if e.Kind != pnr.KindValidation {
			a.alerter.RecordError()
		}
	}
	return out
}
