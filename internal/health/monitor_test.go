package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubProbe struct {
	name   string
	result CheckResult
	delay  time.Duration
	panics bool
}

func (s stubProbe) Name() string { return s.name }

func (s stubProbe) Check(ctx context.Context) CheckResult {
	if s.panics {
		panic("probe exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

func healthy(name string) stubProbe {
	return stubProbe{name: name, result: CheckResult{Status: StatusHealthy, Message: "ok"}}
}

func TestMonitorReduction(t *testing.T) {
	tests := []struct {
		name   string
		probes []Probe
		want   Status
	}{
		{name: "all healthy", probes: []Probe{healthy("a"), healthy("b")}, want: StatusHealthy},
		{name: "one degraded", probes: []Probe{
			healthy("a"),
			stubProbe{name: "b", result: CheckResult{Status: StatusDegraded}},
		}, want: StatusDegraded},
		{name: "one unhealthy among healthy", probes: []Probe{
			healthy("a"),
			healthy("b"),
			stubProbe{name: "c", result: CheckResult{Status: StatusUnhealthy}},
		}, want: StatusUnhealthy},
		{name: "unhealthy beats degraded", probes: []Probe{
			stubProbe{name: "a", result: CheckResult{Status: StatusDegraded}},
			stubProbe{name: "b", result: CheckResult{Status: StatusUnhealthy}},
		}, want: StatusUnhealthy},
		{name: "no probes", probes: nil, want: StatusHealthy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewMonitor(tc.probes).Check(context.Background())
			require.Equal(t, tc.want, got.Status)
			require.Len(t, got.Checks, len(tc.probes))
		})
	}
}

func TestReduce(t *testing.T) {
	require.Equal(t, StatusHealthy, Reduce())
	require.Equal(t, StatusDegraded, Reduce(StatusHealthy, StatusDegraded))
	require.Equal(t, StatusUnhealthy, Reduce(StatusDegraded, StatusUnhealthy, StatusHealthy))
}

func TestMonitorPanickingProbeIsUnhealthy(t *testing.T) {
	m := NewMonitor([]Probe{healthy("a"), stubProbe{name: "boom", panics: true}})
	got := m.Check(context.Background())
	require.Equal(t, StatusUnhealthy, got.Status)
	require.Contains(t, got.Checks["boom"].Message, "probe exploded")
	require.Equal(t, StatusHealthy, got.Checks["a"].Status)
}

func TestMonitorProbeTimeout(t *testing.T) {
	slow := stubProbe{name: "slow", delay: time.Second, result: CheckResult{Status: StatusHealthy}}
	m := NewMonitor([]Probe{slow, healthy("fast")}, WithProbeTimeout(20*time.Millisecond))

	start := time.Now()
	got := m.Check(context.Background())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, StatusUnhealthy, got.Checks["slow"].Status)
	require.Contains(t, got.Checks["slow"].Message, "timed out")
	require.Equal(t, StatusHealthy, got.Checks["fast"].Status)
}

func TestMonitorProbesRunConcurrently(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "a", delay: 100 * time.Millisecond, result: CheckResult{Status: StatusHealthy}},
		stubProbe{name: "b", delay: 100 * time.Millisecond, result: CheckResult{Status: StatusHealthy}},
		stubProbe{name: "c", delay: 100 * time.Millisecond, result: CheckResult{Status: StatusHealthy}},
	}
	start := time.Now()
	NewMonitor(probes).Check(context.Background())
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestMonitorUptime(t *testing.T) {
	clock := &tickClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(nil, WithClock(clock))
	clock.now = clock.now.Add(90 * time.Second)

	got := m.Check(context.Background())
	require.Equal(t, 90*time.Second, got.Uptime)
	require.Equal(t, clock.now, got.Timestamp)
}

type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time { return c.now }

func TestStorageProbe(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	got := NewStorageProbe(mock, 0).Check(context.Background())
	require.Equal(t, StatusHealthy, got.Status)

	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1)).WillDelayFor(30 * time.Millisecond)
	got = NewStorageProbe(mock, 10*time.Millisecond).Check(context.Background())
	require.Equal(t, StatusDegraded, got.Status)

	mock.ExpectExec("SELECT 1").WillReturnError(errors.New("connection refused"))
	got = NewStorageProbe(mock, 0).Check(context.Background())
	require.Equal(t, StatusUnhealthy, got.Status)
	require.Contains(t, got.Message, "connection refused")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheProbe(t *testing.T) {
	got := NewCacheProbe(nil, 0).Check(context.Background())
	require.Equal(t, StatusHealthy, got.Status)
	require.Contains(t, got.Message, "not configured")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	got = NewCacheProbe(client, time.Second).Check(context.Background())
	require.Equal(t, StatusHealthy, got.Status)

	mr.Close()
	got = NewCacheProbe(client, time.Second).Check(context.Background())
	require.Equal(t, StatusUnhealthy, got.Status)
}

func TestMemoryProbeBands(t *testing.T) {
	tests := []struct {
		used uint64
		want Status
	}{
		{used: 50, want: StatusHealthy},
		{used: 74, want: StatusHealthy},
		{used: 75, want: StatusDegraded},
		{used: 90, want: StatusDegraded},
		{used: 91, want: StatusUnhealthy},
	}
	for _, tc := range tests {
		probe := NewMemoryProbe(func() (uint64, uint64) { return tc.used, 100 })
		require.Equal(t, tc.want, probe.Check(context.Background()).Status, "used=%d", tc.used)
	}

	zero := NewMemoryProbe(func() (uint64, uint64) { return 0, 0 })
	require.Equal(t, StatusUnhealthy, zero.Check(context.Background()).Status)
	require.NotEqual(t, "", NewMemoryProbe(nil).Check(context.Background()).Status)
}

func TestExternalProbe(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	tests := []struct {
		name    string
		targets []Target
		want    Status
	}{
		{name: "none", targets: nil, want: StatusHealthy},
		{name: "all up", targets: []Target{{Name: "site", URL: up.URL}, {Name: "hook", URL: up.URL}}, want: StatusHealthy},
		{name: "some down", targets: []Target{{Name: "site", URL: up.URL}, {Name: "hook", URL: downURL}}, want: StatusDegraded},
		{name: "all down", targets: []Target{{Name: "site", URL: downURL}}, want: StatusUnhealthy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewExternalProbe(tc.targets, time.Second, nil).Check(context.Background())
			require.Equal(t, tc.want, got.Status)
		})
	}
}
