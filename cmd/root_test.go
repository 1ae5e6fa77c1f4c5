package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/batch"
	"github.com/JakeFAU/pnr-status-sync/internal/config"
	"github.com/JakeFAU/pnr-status-sync/internal/health"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

type fakeApp struct {
	closed    int
	started   int
	health    health.Status
	lookups   []string
	refreshes []bool
	batchKeys []string
	batchOpts batch.Options
	lookupErr string
}

func (f *fakeApp) Start() { f.started++ }
func (f *fakeApp) Close() { f.closed++ }
func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }
func (f *fakeApp) Config() config.Config { return config.Config{} }
func (f *fakeApp) Handler() http.Handler { return http.NotFoundHandler() }

func (f *fakeApp) Check(context.Context) health.Result {
	return health.Result{Status: f.health, Checks: map[string]health.CheckResult{}}
}

func (f *fakeApp) Lookup(_ context.Context, raw string, forceRefresh bool) pnr.StatusResult {
	f.lookups = append(f.lookups, raw)
	f.refreshes = append(f.refreshes, forceRefresh)
	if f.lookupErr != "" {
		return pnr.FailedResult(pnr.LookupKey(raw), pnr.KindNetwork, f.lookupErr, time.Time{})
	}
	return pnr.StatusResult{Key: pnr.LookupKey(raw), StatusText: "CNF/S1/25"}
}

func (f *fakeApp) RunBatch(_ context.Context, keys []string, opts batch.Options, onProgress batch.ProgressFunc) pnr.BatchOutcome {
	f.batchKeys = keys
	f.batchOpts = opts
	for i, k := range keys {
		if onProgress != nil {
			onProgress(i+1, len(keys), pnr.LookupKey(k))
		}
	}
	return pnr.BatchOutcome{TotalProcessed: len(keys), TotalSuccessful: len(keys)}
}

func runRoot(t *testing.T, fake *fakeApp, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (App, error) { return fake, nil }

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLookupCommand(t *testing.T) {
	fake := &fakeApp{}
	out, err := runRoot(t, fake, "lookup", "1234567890", "--refresh")
	require.NoError(t, err)
	require.Equal(t, []string{"1234567890"}, fake.lookups)
	require.Equal(t, []bool{true}, fake.refreshes)
	require.Equal(t, 1, fake.closed)

	var got pnr.StatusResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "CNF/S1/25", got.StatusText)
}

func TestLookupCommandFailure(t *testing.T) {
	fake := &fakeApp{lookupErr: "timeout"}
	_, err := runRoot(t, fake, "lookup", "1234567890")
	require.ErrorIs(t, err, errLookupFailed)
}

func TestBatchCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("# queue\n2345678901\n\nbad\n"), 0o600))

	fake := &fakeApp{}
	out, err := runRoot(t, fake, "batch", "1234567890", "--file", path, "--rpm", "30", "--skip-invalid", "--force-refresh")
	require.NoError(t, err)
	require.Equal(t, []string{"1234567890", "2345678901"}, fake.batchKeys)
	require.True(t, fake.batchOpts.ForceRefresh)
	require.Equal(t, 2*time.Second, fake.batchOpts.RequestDelay)

	var got pnr.BatchOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, 2, got.TotalProcessed)
}

func TestBatchCommandNeedsKeys(t *testing.T) {
	_, err := runRoot(t, &fakeApp{}, "batch")
	require.ErrorContains(t, err, "no keys")
}

func TestHealthCommand(t *testing.T) {
	_, err := runRoot(t, &fakeApp{health: health.StatusDegraded}, "health")
	require.NoError(t, err)

	_, err = runRoot(t, &fakeApp{health: health.StatusUnhealthy}, "health")
	require.ErrorIs(t, err, errUnhealthy)
}

func TestAppInitFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("boom") }

	root := newRootCmd()
	root.SetArgs([]string{"health"})
	root.SetOut(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "boom")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	fake := &fakeApp{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, serve(ctx, fake))
	require.Equal(t, 1, fake.started)
}
