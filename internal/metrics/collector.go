package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/clock/system"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// MemoryStats holds heap and resident memory figures in bytes.
type MemoryStats struct {
	HeapUsed     uint64  `json:"heapUsed"`
	HeapTotal    uint64  `json:"heapTotal"`
	RSS          uint64  `json:"rss"`
	UsagePercent float64 `json:"usagePercent"`
}

// CPUStats holds cumulative process CPU time and usage since the previous sample.
type CPUStats struct {
	TotalSeconds float64 `json:"totalSeconds"`
	UsagePercent float64 `json:"usagePercent"`
}

// ProcessStats describes the running process.
type ProcessStats struct {
	PID        int           `json:"pid"`
	Uptime     time.Duration `json:"uptimeNs"`
	Goroutines int           `json:"goroutines"`
}

// RequestStats aggregates requests recorded since the previous sample.
type RequestStats struct {
	Total                 int64   `json:"total"`
	Errors                int64   `json:"errors"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
}

// Sample is one point in the rolling metrics history.
type Sample struct {
	Timestamp time.Time    `json:"timestamp"`
	Memory    MemoryStats  `json:"memory"`
	CPU       CPUStats     `json:"cpu"`
	Process   ProcessStats `json:"process"`
	Requests  RequestStats `json:"requests"`
}

// Thresholds are the limits each sample is compared against.
type Thresholds struct {
	MemoryUsagePercent    float64 `json:"memoryUsagePercent" mapstructure:"memory_usage_percent"`
	CPUUsagePercent       float64 `json:"cpuUsagePercent" mapstructure:"cpu_usage_percent"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs" mapstructure:"average_response_time_ms"`
	ErrorRatePercent      float64 `json:"errorRatePercent" mapstructure:"error_rate_percent"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryUsagePercent:    85,
		CPUUsagePercent:       80,
		AverageResponseTimeMs: 2000,
		ErrorRatePercent:      5,
	}
}

// Aggregate folds the samples of a time window.
type Aggregate struct {
	WindowMinutes         int     `json:"windowMinutes"`
	Samples               int     `json:"samples"`
	AverageMemoryUsage    float64 `json:"averageMemoryUsage"`
	MaxMemoryUsage        uint64  `json:"maxMemoryUsage"`
	AverageResponseTimeMs float64 `json:"averageResponseTime"`
	TotalRequests         int64   `json:"totalRequests"`
	TotalErrors           int64   `json:"totalErrors"`
	ErrorRate             float64 `json:"errorRate"`
}

// RequestRecorder accepts per-request observations from request handling code.
type RequestRecorder interface {
	RecordRequest(duration time.Duration, isError bool)
}

// CollectorConfig controls retention and limits.
type CollectorConfig struct {
	Retention  time.Duration
	Thresholds Thresholds
}

const defaultRetention = 24 * time.Hour

// Collector samples process counters on a timer and keeps a time-bounded history.
type Collector struct {
	mu         sync.RWMutex
	history    []Sample
	thresholds Thresholds
	retention  time.Duration
	window     requestWindow

	sampler Sampler
	clock   pnr.Clock
	alerts  pnr.AlertSender
	logger  *zap.Logger

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

type requestWindow struct {
	total    int64
	errors   int64
	duration time.Duration
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithSampler overrides the process sampler.
func WithSampler(s Sampler) CollectorOption {
	return func(c *Collector) { c.sampler = s }
}

// WithClock overrides the time source.
func WithClock(clock pnr.Clock) CollectorOption {
	return func(c *Collector) { c.clock = clock }
}

// WithAlertSender reports threshold breaches as alerts.
func WithAlertSender(alerts pnr.AlertSender) CollectorOption {
	return func(c *Collector) { c.alerts = alerts }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollector constructs a Collector. Collection does not start until StartCollection.
func NewCollector(cfg CollectorConfig, opts ...CollectorOption) *Collector {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	c := &Collector{
		thresholds: cfg.Thresholds,
		retention:  cfg.Retention,
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sampler == nil {
		c.sampler = NewProcessSampler(c.clock.Now())
	}
	return c
}

// StartCollection begins sampling every interval. Calling it while running is a no-op.
func (c *Collector) StartCollection(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(interval, c.stopCh, c.doneCh)
	c.logger.Info("metrics collection started", zap.Duration("interval", interval))
}

// StopCollection stops the sampler and waits for it to exit.
func (c *Collector) StopCollection() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
	c.doneCh = nil
	c.logger.Info("metrics collection stopped")
}

func (c *Collector) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.safeCollect()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.safeCollect()
		}
	}
}

func (c *Collector) safeCollect() {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("metrics collection panicked", zap.Any("panic", rec))
		}
	}()
	if _, err := c.Collect(context.Background()); err != nil {
		c.logger.Warn("metrics collection failed", zap.Error(err))
	}
}

// Collect takes one sample immediately, appends it to the history and checks thresholds.
func (c *Collector) Collect(ctx context.Context) (Sample, error) {
	now := c.clock.Now()
	snap, err := c.sampler.Sample(now)
	if err != nil {
		return Sample{}, fmt.Errorf("sample process: %w", err)
	}

	c.mu.Lock()
	window := c.window
	c.window = requestWindow{}
	sample := Sample{
		Timestamp: now,
		Memory:    snap.Memory,
		CPU:       snap.CPU,
		Process:   snap.Process,
		Requests: RequestStats{
			Total:  window.total,
			Errors: window.errors,
		},
	}
	if window.total > 0 {
		sample.Requests.AverageResponseTimeMs = durationMs(window.duration) / float64(window.total)
	}
	c.history = append(c.history, sample)
	c.pruneLocked(now)
	thresholds := c.thresholds
	c.mu.Unlock()

	c.checkThresholds(ctx, sample, thresholds)
	return sample, nil
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	idx := 0
	for idx < len(c.history) && c.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		c.history = append([]Sample(nil), c.history[idx:]...)
	}
}

type breach struct {
	metric  string
	title   string
	message string
}

func (c *Collector) checkThresholds(ctx context.Context, s Sample, t Thresholds) {
	var breaches []breach
	if t.MemoryUsagePercent > 0 && s.Memory.UsagePercent > t.MemoryUsagePercent {
		breaches = append(breaches, breach{"memory", "Memory usage threshold exceeded",
			fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", s.Memory.UsagePercent, t.MemoryUsagePercent)})
	}
	if t.CPUUsagePercent > 0 && s.CPU.UsagePercent > t.CPUUsagePercent {
		breaches = append(breaches, breach{"cpu", "CPU usage threshold exceeded",
			fmt.Sprintf("cpu usage %.1f%% exceeds %.1f%%", s.CPU.UsagePercent, t.CPUUsagePercent)})
	}
	if t.AverageResponseTimeMs > 0 && s.Requests.AverageResponseTimeMs > t.AverageResponseTimeMs {
		breaches = append(breaches, breach{"response_time", "Response time threshold exceeded",
			fmt.Sprintf("average response time %.0fms exceeds %.0fms", s.Requests.AverageResponseTimeMs, t.AverageResponseTimeMs)})
	}
	if t.ErrorRatePercent > 0 && s.Requests.Total > 0 {
		rate := float64(s.Requests.Errors) / float64(s.Requests.Total) * 100
		if rate > t.ErrorRatePercent {
			breaches = append(breaches, breach{"error_rate", "Error rate threshold exceeded",
				fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", rate, t.ErrorRatePercent)})
		}
	}
	// The alerter folds repeats into the open alert per title, so a sustained
	// breach stays one incident across ticks.
	for _, b := range breaches {
		c.logger.Warn("metrics threshold exceeded", zap.String("metric", b.metric), zap.String("breach", b.message))
		if c.alerts != nil {
			c.alerts.SendMediumAlert(ctx, "metrics_threshold", b.title, b.message, map[string]any{
				"metric":    b.metric,
				"timestamp": s.Timestamp,
			})
		}
	}
}

// RecordRequest accumulates one request into the current sampling window.
func (c *Collector) RecordRequest(duration time.Duration, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.total++
	c.window.duration += duration
	if isError {
		c.window.errors++
	}
}

// GetCurrentMetrics returns the most recent sample.
func (c *Collector) GetCurrentMetrics() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Sample{}, false
	}
	return c.history[len(c.history)-1], true
}

// GetMetricsHistory returns up to limit of the newest samples, oldest first.
// A non-positive limit returns the whole retained history.
func (c *Collector) GetMetricsHistory(limit int) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(c.history) {
		start = len(c.history) - limit
	}
	return append([]Sample(nil), c.history[start:]...)
}

// GetMetricsInRange returns samples with start <= timestamp <= end.
func (c *Collector) GetMetricsInRange(start, end time.Time) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []Sample{}
	for _, s := range c.history {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// GetAggregatedMetrics folds the samples from the last windowMinutes.
func (c *Collector) GetAggregatedMetrics(windowMinutes int) Aggregate {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	now := c.clock.Now()
	samples := c.GetMetricsInRange(now.Add(-time.Duration(windowMinutes)*time.Minute), now)
	agg := Aggregate{WindowMinutes: windowMinutes, Samples: len(samples)}
	if len(samples) == 0 {
		return agg
	}
	var memTotal float64
	var weightedResponse float64
	for _, s := range samples {
		memTotal += float64(s.Memory.HeapUsed)
		if s.Memory.HeapUsed > agg.MaxMemoryUsage {
			agg.MaxMemoryUsage = s.Memory.HeapUsed
		}
		agg.TotalRequests += s.Requests.Total
		agg.TotalErrors += s.Requests.Errors
		weightedResponse += s.Requests.AverageResponseTimeMs * float64(s.Requests.Total)
	}
	agg.AverageMemoryUsage = memTotal / float64(len(samples))
	if agg.TotalRequests > 0 {
		agg.AverageResponseTimeMs = weightedResponse / float64(agg.TotalRequests)
		agg.ErrorRate = float64(agg.TotalErrors) / float64(agg.TotalRequests) * 100
	}
	return agg
}

// UpdateThresholds replaces the non-zero fields of the current thresholds.
func (c *Collector) UpdateThresholds(t Thresholds) Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.MemoryUsagePercent > 0 {
		c.thresholds.MemoryUsagePercent = t.MemoryUsagePercent
	}
	if t.CPUUsagePercent > 0 {
		c.thresholds.CPUUsagePercent = t.CPUUsagePercent
	}
	if t.AverageResponseTimeMs > 0 {
		c.thresholds.AverageResponseTimeMs = t.AverageResponseTimeMs
	}
	if t.ErrorRatePercent > 0 {
		c.thresholds.ErrorRatePercent = t.ErrorRatePercent
	}
	c.logger.Info("metrics thresholds updated", zap.Any("thresholds", c.thresholds))
	return c.thresholds
}

// Thresholds returns the current limits.
func (c *Collector) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
