package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/clock/system"
	"github.com/JakeFAU/pnr-status-sync/internal/id/uuid"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// AlertTypeHighErrorRate is raised by CheckErrorRate.
const AlertTypeHighErrorRate = "high_error_rate"

// Config tunes the alerter.
type Config struct {
	// ErrorRateThreshold is the per-minute error count above which a high alert fires.
	ErrorRateThreshold int
	CheckInterval      time.Duration
	DispatchTimeout    time.Duration
	BucketRetention    time.Duration
}

const (
	defaultErrorRateThreshold = 10
	defaultCheckInterval      = time.Minute
	defaultDispatchTimeout    = 10 * time.Second
)

// Alerter owns the alert table and the error-rate counter.
type Alerter struct {
	cfg      Config
	channels []NotificationChannel
	counter  *ErrorCounter
	ids      pnr.IDGenerator
	clock    pnr.Clock
	reporter ErrorReporter
	logger   *zap.Logger

	mu              sync.RWMutex
	alerts          map[string]*Alert
	open            map[string]string
	lastRateAlerted int64

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customizes an Alerter.
type Option func(*Alerter)

// WithChannels sets the notification channels used for high and critical alerts.
func WithChannels(channels ...NotificationChannel) Option {
	return func(a *Alerter) { a.channels = append(a.channels, channels...) }
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(ids pnr.IDGenerator) Option {
	return func(a *Alerter) { a.ids = ids }
}

// WithClock overrides the time source.
func WithClock(clock pnr.Clock) Option {
	return func(a *Alerter) { a.clock = clock }
}

// WithErrorReporter installs a sink for channel delivery failures.
func WithErrorReporter(r ErrorReporter) Option {
	return func(a *Alerter) { a.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Alerter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds an Alerter.
func New(cfg Config, opts ...Option) *Alerter {
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = defaultErrorRateThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	a := &Alerter{
		cfg:             cfg,
		counter:         NewErrorCounter(cfg.BucketRetention),
		ids:             uuid.New(),
		clock:           system.New(),
		logger:          zap.NewNop(),
		alerts:          make(map[string]*Alert),
		open:            make(map[string]string),
		lastRateAlerted: -1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SendCriticalAlert records a critical alert and dispatches it to every channel.
func (a *Alerter) SendCriticalAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string {
	return a.raise(ctx, SeverityCritical, alertType, title, message, metadata)
}

// SendHighAlert records a high alert and dispatches it to every channel.
func (a *Alerter) SendHighAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string {
	return a.raise(ctx, SeverityHigh, alertType, title, message, metadata)
}

// SendMediumAlert records a medium alert. Medium alerts are not dispatched.
func (a *Alerter) SendMediumAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string {
	return a.raise(ctx, SeverityMedium, alertType, title, message, metadata)
}

// SendLowAlert records a low alert.
func (a *Alerter) SendLowAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string {
	return a.raise(ctx, SeverityLow, alertType, title, message, metadata)
}

func (a *Alerter) raise(ctx context.Context, sev Severity, alertType, title, message string, metadata map[string]any) string {
	if !sev.dispatches() {
		if id, ok := a.fold(sev, alertType, title, message, metadata); ok {
			return id
		}
	}
	id, err := a.ids.NewID()
	if err != nil {
		a.logger.Error("generate alert id", zap.Error(err))
		id = fmt.Sprintf("alert-%d", a.clock.Now().UnixNano())
	}
	alert := Alert{
		ID:          id,
		Type:        alertType,
		Severity:    sev,
		Title:       title,
		Message:     message,
		Timestamp:   a.clock.Now(),
		Metadata:    copyMetadata(metadata),
		Occurrences: 1,
	}

	a.mu.Lock()
	a.alerts[id] = &alert
	if !sev.dispatches() {
		a.open[alert.dedupKey()] = id
	}
	a.mu.Unlock()

	metrics.ObserveAlert(string(sev))
	a.logger.Warn("alert raised",
		zap.String("id", id),
		zap.String("type", alertType),
		zap.String("severity", string(sev)),
		zap.String("title", title),
		zap.String("message", message),
	)

	if sev.dispatches() {
		a.dispatch(ctx, alert)
	}
	return id
}

// fold merges a low or medium alert into the open alert of the same kind, so
// a sustained outage keeps one incident instead of one per failed call.
func (a *Alerter) fold(sev Severity, alertType, title, message string, metadata map[string]any) (string, bool) {
	key := (&Alert{Severity: sev, Type: alertType, Title: title}).dedupKey()
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.open[key]
	if !ok {
		return "", false
	}
	al, ok := a.alerts[id]
	if !ok || al.Resolved {
		delete(a.open, key)
		return "", false
	}
	now := a.clock.Now()
	al.Occurrences++
	al.LastSeen = &now
	al.Message = message
	if metadata != nil {
		al.Metadata = copyMetadata(metadata)
	}
	a.logger.Debug("alert repeated",
		zap.String("id", id),
		zap.String("type", alertType),
		zap.Int("occurrences", al.Occurrences),
	)
	return id, true
}

// dispatch sends to all channels in parallel and waits for them. A failing
// channel is logged and reported but never raises another alert.
func (a *Alerter) dispatch(ctx context.Context, alert Alert) {
	if len(a.channels) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DispatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, ch := range a.channels {
		wg.Add(1)
		go func(ch NotificationChannel) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					a.channelFailed(dctx, ch.Name(), alert, fmt.Errorf("channel panicked: %v", rec))
				}
			}()
			if err := ch.Send(dctx, alert); err != nil {
				a.channelFailed(dctx, ch.Name(), alert, err)
			}
		}(ch)
	}
	wg.Wait()
}

func (a *Alerter) channelFailed(ctx context.Context, channel string, alert Alert, err error) {
	metrics.ObserveAlertDispatchFailure(channel)
	a.logger.Error("alert delivery failed",
		zap.String("channel", channel),
		zap.String("alert_id", alert.ID),
		zap.Error(err),
	)
	if a.reporter != nil {
		a.reporter.Report(ctx, err, map[string]any{
			"channel":  channel,
			"alert_id": alert.ID,
			"type":     alert.Type,
		})
	}
}

// RecordError counts one error toward the current minute.
func (a *Alerter) RecordError() {
	a.counter.Record(a.clock.Now())
}

// CheckErrorRate compares the current minute's error count with the threshold
// and raises at most one high_error_rate alert per minute. It returns the id of
// the alert raised, or "".
func (a *Alerter) CheckErrorRate(ctx context.Context) string {
	now := a.clock.Now()
	count := a.counter.Count(now)
	if count <= a.cfg.ErrorRateThreshold {
		return ""
	}
	minute := minuteOf(now)
	a.mu.Lock()
	if a.lastRateAlerted == minute {
		a.mu.Unlock()
		return ""
	}
	a.lastRateAlerted = minute
	a.mu.Unlock()

	return a.SendHighAlert(ctx, AlertTypeHighErrorRate, "High error rate detected",
		fmt.Sprintf("%d errors in the last minute (threshold %d)", count, a.cfg.ErrorRateThreshold),
		map[string]any{
			"errorCount": count,
			"threshold":  a.cfg.ErrorRateThreshold,
		})
}

// ErrorBuckets exposes the retained per-minute error counts.
func (a *Alerter) ErrorBuckets() map[time.Time]int {
	return a.counter.Buckets(a.clock.Now())
}

// Start runs CheckErrorRate every configured interval until Stop.
func (a *Alerter) Start() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.run(a.cfg.CheckInterval, a.stopCh, a.doneCh)
}

// Stop halts the error-rate checker and waits for it to exit.
func (a *Alerter) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.stopCh = nil
	a.doneCh = nil
}

func (a *Alerter) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.safeCheck()
		}
	}
}

func (a *Alerter) safeCheck() {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("error rate check panicked", zap.Any("panic", rec))
		}
	}()
	a.CheckErrorRate(context.Background())
}

// GetActiveAlerts returns unresolved alerts, oldest first.
func (a *Alerter) GetActiveAlerts() []Alert {
	return a.list(func(al *Alert) bool { return !al.Resolved })
}

// GetAllAlerts returns every alert, resolved ones included, oldest first.
func (a *Alerter) GetAllAlerts() []Alert {
	return a.list(func(*Alert) bool { return true })
}

func (a *Alerter) list(keep func(*Alert) bool) []Alert {
	a.mu.RLock()
	out := make([]Alert, 0, len(a.alerts))
	for _, al := range a.alerts {
		if keep(al) {
			out = append(out, cloneAlert(al))
		}
	}
	a.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GetAlert returns one alert by id.
func (a *Alerter) GetAlert(id string) (Alert, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	al, ok := a.alerts[id]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return cloneAlert(al), nil
}

// ResolveAlert moves an open alert to resolved. Resolution is terminal.
func (a *Alerter) ResolveAlert(id string) (Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	al, ok := a.alerts[id]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	if al.Resolved {
		return cloneAlert(al), ErrAlreadyResolved
	}
	now := a.clock.Now()
	al.Resolved = true
	al.ResolvedAt = &now
	if a.open[al.dedupKey()] == id {
		delete(a.open, al.dedupKey())
	}
	a.logger.Info("alert resolved", zap.String("id", id), zap.String("type", al.Type))
	return cloneAlert(al), nil
}

// IsNotFound reports whether err means the alert id is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAlertNotFound)
}

func cloneAlert(al *Alert) Alert {
	out := *al
	out.Metadata = copyMetadata(al.Metadata)
	if al.ResolvedAt != nil {
		t := *al.ResolvedAt
		out.ResolvedAt = &t
	}
	if al.LastSeen != nil {
		t := *al.LastSeen
		out.LastSeen = &t
	}
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
