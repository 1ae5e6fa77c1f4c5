// Package health runs independent subsystem probes concurrently and reduces
// them to a single healthy, degraded or unhealthy verdict.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/clock/system"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// Status is a tri-state health verdict.
type Status string

// Verdicts, ordered by severity.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) level() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is one probe's verdict.
type CheckResult struct {
	Status         Status         `json:"status"`
	ResponseTimeMs int64          `json:"responseTime,omitempty"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
}

// Result is the overall verdict. It is recomputed on every Check and never cached.
type Result struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptimeNs"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Probe checks one subsystem. Implementations should honour ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Checker is the read side consumed by the API layer.
type Checker interface {
	Check(ctx context.Context) Result
}

const defaultProbeTimeout = 5 * time.Second

// Monitor fans probes out and folds their results.
type Monitor struct {
	probes       []Probe
	probeTimeout time.Duration
	clock        pnr.Clock
	startedAt    time.Time
	logger       *zap.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock pnr.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor builds a Monitor over probes. Uptime is measured from construction.
func NewMonitor(probes []Probe, opts ...Option) *Monitor {
	m := &Monitor{
		probes:       probes,
		probeTimeout: defaultProbeTimeout,
		clock:        system.New(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.clock.Now()
	return m
}

// Check runs every probe concurrently and waits for all of them. It never fails;
// a probe that errors, panics or overruns its timeout is reported unhealthy.
func (m *Monitor) Check(ctx context.Context) Result {
	results := make([]CheckResult, len(m.probes))
	var wg sync.WaitGroup
	for i, probe := range m.probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = m.runProbe(ctx, probe)
		}(i, probe)
	}
	wg.Wait()

	now := m.clock.Now()
	out := Result{
		Status:    StatusHealthy,
		Timestamp: now,
		Uptime:    now.Sub(m.startedAt),
		Checks:    make(map[string]CheckResult, len(m.probes)),
	}
	for i, probe := range m.probes {
		r := results[i]
		out.Checks[probe.Name()] = r
		out.Status = worst(out.Status, r.Status)
		metrics.SetHealthStatus(probe.Name(), r.Status.level())
	}
	if out.Status != StatusHealthy {
		m.logger.Warn("health check not healthy", zap.String("status", string(out.Status)))
	}
	return out
}

func (m *Monitor) runProbe(ctx context.Context, probe Probe) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("health probe panicked", zap.String("probe", probe.Name()), zap.Any("panic", rec))
				done <- CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("probe panicked: %v", rec)}
			}
		}()
		done <- probe.Check(probeCtx)
	}()

	select {
	case r := <-done:
		if r.Status == "" {
			r.Status = StatusUnhealthy
		}
		return r
	case <-probeCtx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("probe timed out: %v", probeCtx.Err()),
		}
	}
}

// Reduce folds verdicts: any unhealthy wins, then any degraded, else healthy.
func Reduce(statuses ...Status) Status {
	out := StatusHealthy
	for _, s := range statuses {
		out = worst(out, s)
	}
	return out
}

func worst(a, b Status) Status {
	if b.level() > a.level() {
		return b
	}
	return a
}
