package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type requestLog struct {
	mu     sync.Mutex
	total  int
	errors int
}

func (l *requestLog) RecordRequest(_ time.Duration, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if isError {
		l.errors++
	}
}

func TestMiddlewareFeedsPrometheusAndCollector(t *testing.T) {
	Init()
	rec := &requestLog{}
	r := chi.NewRouter()
	r.Use(Middleware(rec))
	r.Get("/v1/status/{key}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	badGateway := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "502"))

	for _, path := range []string{"/v1/status/1234567890", "/missing", "/broken"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.0001)
	require.InDelta(t, notFound+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.0001)
	require.InDelta(t, badGateway+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "502")), 0.0001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))

	// Only the 5xx response counts as an error in the collector window.
	require.Equal(t, 3, rec.total)
	require.Equal(t, 1, rec.errors)
}

func TestMiddlewareWithoutRecorder(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware(nil))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
