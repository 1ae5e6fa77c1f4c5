package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pnr-status-sync/internal/publisher/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2024, 6, 1, 10, 0, 5, 0, time.UTC)}
}

type recordingChannel struct {
	name  string
	err   error
	delay time.Duration
	mu    sync.Mutex
	sent  []Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, alert Alert) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type reportLog struct {
	mu   sync.Mutex
	errs []error
}

func (r *reportLog) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestSeverityRouting(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	a := New(Config{}, WithChannels(ch), WithClock(newClock()))
	ctx := context.Background()

	a.SendLowAlert(ctx, "t", "low", "m", nil)
	a.SendMediumAlert(ctx, "scraper_unavailable", "medium", "m", nil)
	require.Zero(t, ch.count())

	a.SendHighAlert(ctx, "t", "high", "m", nil)
	a.SendCriticalAlert(ctx, "t", "critical", "m", map[string]any{"k": "v"})
	require.Equal(t, 2, ch.count())
	require.Len(t, a.GetActiveAlerts(), 4)
}

func TestChannelFailureIsIsolated(t *testing.T) {
	good := &recordingChannel{name: "good"}
	bad := &recordingChannel{name: "bad", err: errors.New("503 from webhook")}
	reports := &reportLog{}
	a := New(Config{}, WithChannels(bad, good), WithErrorReporter(reports), WithClock(newClock()))

	id := a.SendCriticalAlert(context.Background(), "db_down", "Database down", "connection refused", nil)

	require.Equal(t, 1, good.count())
	require.Equal(t, 1, bad.count())
	require.Len(t, reports.errs, 1)
	// The delivery failure must not have produced an alert of its own.
	all := a.GetAllAlerts()
	require.Len(t, all, 1)
	require.Equal(t, id, all[0].ID)
}

func TestDispatchTimeoutBoundsSlowChannel(t *testing.T) {
	slow := &recordingChannel{name: "slow", delay: time.Second}
	fast := &recordingChannel{name: "fast"}
	reports := &reportLog{}
	a := New(Config{DispatchTimeout: 20 * time.Millisecond}, WithChannels(slow, fast), WithErrorReporter(reports))

	start := time.Now()
	a.SendHighAlert(context.Background(), "t", "title", "msg", nil)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 1, fast.count())
	require.Len(t, reports.errs, 1)
}

func TestHighErrorRateFiresOncePerMinute(t *testing.T) {
	clock := newClock()
	ch := &recordingChannel{name: "rec"}
	a := New(Config{ErrorRateThreshold: 5}, WithClock(clock), WithChannels(ch))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.RecordError()
	}
	require.Empty(t, a.CheckErrorRate(ctx), "threshold reached but not exceeded")

	a.RecordError()
	id := a.CheckErrorRate(ctx)
	require.NotEmpty(t, id)

	a.RecordError()
	a.RecordError()
	require.Empty(t, a.CheckErrorRate(ctx))
	require.Empty(t, a.CheckErrorRate(ctx))

	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, AlertTypeHighErrorRate, active[0].Type)
	require.Equal(t, SeverityHigh, active[0].Severity)
	require.Equal(t, 1, ch.count())

	// A new minute starts a fresh bucket.
	clock.Advance(time.Minute)
	require.Empty(t, a.CheckErrorRate(ctx))
	for i := 0; i < 6; i++ {
		a.RecordError()
	}
	require.NotEmpty(t, a.CheckErrorRate(ctx))
	require.Len(t, a.GetActiveAlerts(), 2)
}

func TestErrorCounterEvictsOldBuckets(t *testing.T) {
	clock := newClock()
	a := New(Config{}, WithClock(clock))

	a.RecordError()
	clock.Advance(2 * time.Minute)
	a.RecordError()
	require.Len(t, a.ErrorBuckets(), 2)

	clock.Advance(6 * time.Minute)
	require.Empty(t, a.ErrorBuckets())
}

func TestResolveAlert(t *testing.T) {
	clock := newClock()
	a := New(Config{}, WithClock(clock))
	ctx := context.Background()

	id := a.SendMediumAlert(ctx, "scraper_unavailable", "Status site unavailable", "timeout", nil)
	other := a.SendMediumAlert(ctx, "metrics_threshold", "Memory usage threshold exceeded", "memory usage 95.0% exceeds 85.0%", nil)
	require.NotEqual(t, id, other)

	clock.Advance(time.Minute)
	resolved, err := a.ResolveAlert(id)
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, clock.Now(), *resolved.ResolvedAt)

	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, other, active[0].ID)

	got, err := a.GetAlert(id)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.Len(t, a.GetAllAlerts(), 2)

	_, err = a.ResolveAlert(id)
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = a.ResolveAlert("missing")
	require.ErrorIs(t, err, ErrAlertNotFound)
	require.True(t, IsNotFound(err))
}

func TestRepeatedMediumAlertsFoldIntoOpenAlert(t *testing.T) {
	clock := newClock()
	ch := &recordingChannel{name: "rec"}
	a := New(Config{}, WithClock(clock), WithChannels(ch))
	ctx := context.Background()

	id := a.SendMediumAlert(ctx, "scraper_unavailable", "Status site unavailable", "timeout", map[string]any{"key": "1234567890"})
	clock.Advance(time.Second)
	again := a.SendMediumAlert(ctx, "scraper_unavailable", "Status site unavailable", "HTTP 503", map[string]any{"key": "2345678901"})
	require.Equal(t, id, again)

	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, 2, active[0].Occurrences)
	require.Equal(t, "HTTP 503", active[0].Message)
	require.Equal(t, "2345678901", active[0].Metadata["key"])
	require.NotNil(t, active[0].LastSeen)
	require.Equal(t, clock.Now(), *active[0].LastSeen)

	// A different severity or title is a separate incident.
	low := a.SendLowAlert(ctx, "scraper_unavailable", "Status site unavailable", "timeout", nil)
	require.NotEqual(t, id, low)

	// Once resolved, the next failure opens a fresh alert.
	_, err := a.ResolveAlert(id)
	require.NoError(t, err)
	fresh := a.SendMediumAlert(ctx, "scraper_unavailable", "Status site unavailable", "timeout", nil)
	require.NotEqual(t, id, fresh)
	got, err := a.GetAlert(fresh)
	require.NoError(t, err)
	require.Equal(t, 1, got.Occurrences)

	// High alerts always dispatch and are never folded.
	h1 := a.SendHighAlert(ctx, "db_down", "Database down", "refused", nil)
	h2 := a.SendHighAlert(ctx, "db_down", "Database down", "refused", nil)
	require.NotEqual(t, h1, h2)
	require.Equal(t, 2, ch.count())
}

func TestAlertsAreCopies(t *testing.T) {
	a := New(Config{})
	meta := map[string]any{"key": "1234567890"}
	id := a.SendLowAlert(context.Background(), "t", "title", "msg", meta)
	meta["key"] = "changed"

	got, err := a.GetAlert(id)
	require.NoError(t, err)
	require.Equal(t, "1234567890", got.Metadata["key"])
}

func TestStartStopChecksErrorRate(t *testing.T) {
	a := New(Config{ErrorRateThreshold: 1, CheckInterval: 10 * time.Millisecond}, WithClock(newClock()))
	a.RecordError()
	a.RecordError()

	a.Start()
	a.Start()
	require.Eventually(t, func() bool { return len(a.GetActiveAlerts()) == 1 }, time.Second, 5*time.Millisecond)
	a.Stop()
	a.Stop()
	require.Len(t, a.GetActiveAlerts(), 1)
}

func TestSlackChannelPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := Alert{
		ID: "a1", Type: "db_down", Severity: SeverityCritical, Title: "Database down",
		Message: "refused", Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Metadata: map[string]any{"host": "db1"},
	}
	require.NoError(t, NewSlackChannel(srv.URL, nil).Send(context.Background(), alert))

	require.Equal(t, "[CRITICAL] Database down", got.Text)
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "danger", got.Attachments[0].Color)
	require.Contains(t, got.Attachments[0].Fields, slackField{Title: "host", Value: "db1", Short: true})
}

func TestWebhookChannel(t *testing.T) {
	var got Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, map[string]string{"Authorization": "Bearer x"}, nil)
	require.NoError(t, ch.Send(context.Background(), Alert{ID: "a1", Severity: SeverityHigh}))
	require.Equal(t, "a1", got.ID)
	require.Equal(t, "Bearer x", auth)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	require.Error(t, NewWebhookChannel(failing.URL, nil, nil).Send(context.Background(), Alert{}))
}

type mailLog struct {
	sent []Email
}

func (m *mailLog) Send(_ context.Context, msg Email) error {
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmailChannel(t *testing.T) {
	mailer := &mailLog{}
	ch := NewEmailChannel([]string{"ops@example.com"}, mailer)
	alert := Alert{ID: "a1", Type: "t", Severity: SeverityHigh, Title: "Disk <full>", Message: "95%"}

	require.NoError(t, ch.Send(context.Background(), alert))
	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	require.Equal(t, []string{"ops@example.com"}, msg.To)
	require.Equal(t, "[HIGH] Disk <full>", msg.Subject)
	require.Contains(t, msg.HTML, "Disk &lt;full&gt;")
	require.Contains(t, msg.Text, "95%")

	require.Error(t, NewEmailChannel(nil, mailer).Send(context.Background(), alert))
}

func TestSMTPMailerBuildsMultipart(t *testing.T) {
	var captured []byte
	var rcpt []string
	m := NewSMTPMailer(SMTPConfig{Addr: "smtp.example.com:587", Username: "u", Password: "p", From: "alerts@example.com"})
	m.send = func(_ string, a smtp.Auth, _ string, to []string, msg []byte) error {
		require.NotNil(t, a)
		rcpt = to
		captured = msg
		return nil
	}

	err := m.Send(context.Background(), Email{To: []string{"ops@example.com"}, Subject: "s", Text: "plain", HTML: "<b>rich</b>"})
	require.NoError(t, err)
	require.Equal(t, []string{"ops@example.com"}, rcpt)
	raw := string(captured)
	require.True(t, strings.HasPrefix(raw, "From: alerts@example.com\r\n"))
	require.Contains(t, raw, "multipart/alternative")
	require.Contains(t, raw, "plain")
	require.Contains(t, raw, "<b>rich</b>")
}

func TestPubSubChannel(t *testing.T) {
	pub := memory.New()
	ch := NewPubSubChannel(pub)
	require.NoError(t, ch.Send(context.Background(), Alert{ID: "a1", Type: "t", Severity: SeverityCritical}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "critical", msgs[0].Attributes["severity"])
	require.Equal(t, "a1", msgs[0].Payload.(Alert).ID)

	pub.FailWith(io.ErrClosedPipe)
	require.Error(t, ch.Send(context.Background(), Alert{}))
}

func TestZapReporter(t *testing.T) {
	NewZapReporter(nil).Report(context.Background(), errors.New("x"), map[string]any{"a": 1})
}

func TestDispatchRecoversPanickingChannel(t *testing.T) {
	var calls atomic.Int32
	a := New(Config{}, WithChannels(panicChannel{calls: &calls}, &recordingChannel{name: "ok"}))
	require.NotPanics(t, func() {
		a.SendHighAlert(context.Background(), "t", "title", "msg", nil)
	})
	require.Equal(t, int32(1), calls.Load())
}

type panicChannel struct{ calls *atomic.Int32 }

func (panicChannel) Name() string { return "panic" }

func (p panicChannel) Send(context.Context, Alert) error {
	p.calls.Add(1)
	panic("boom")
}
