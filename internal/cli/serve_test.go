package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"adreport/internal/data"
	"adreport/internal/engine"
	"adreport/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRunner struct{ id string }

func (s stubRunner) ResolveDate(raw string) (data.ReportDate, error) {
	return data.ParseReportDate("2024-01-15")
}

func (s stubRunner) RunDate(_ context.Context, date data.ReportDate) (*engine.RunRecord, error) {
	return &engine.RunRecord{Status: engine.StatusSuccess, RunID: s.id, ReportDate: date}, nil
}

func runID(t *testing.T, srv *server.Server) string {
	t.Helper()
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/run", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return rr.Body.String()
}

func TestReloader_SwapsPipelineOnConfigChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adreport.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: UTC\n"), 0o644))

	srv := server.New(stubRunner{id: "initial"}, server.Options{})
	var (
		builds atomic.Int32
		closed atomic.Int32
	)
	rl := &reloader{
		path:     path,
		srv:      srv,
		logger:   zap.NewNop(),
		debounce: 20 * time.Millisecond,
		build: func(context.Context) (server.Runner, string, func() error, error) {
			builds.Add(1)
			closeFn := func() error { closed.Add(1); return nil }
			return stubRunner{id: "reloaded"}, "", closeFn, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.watch(ctx) }()
	defer cancel()

	assert.Contains(t, runID(t, srv), `"run_id":"initial"`)

	// The watcher may not be registered yet, so the file is touched again on
	// every tick. Ticks are spaced well beyond the debounce so a write never
	// postpones the reload it is waiting for.
	require.Eventually(t, func() bool {
		if builds.Load() > 0 {
			return true
		}
		_ = os.WriteFile(path, []byte("timezone: Europe/Paris\n"), 0o644)
		return false
	}, 10*time.Second, 200*time.Millisecond)

	assert.Contains(t, runID(t, srv), `"run_id":"reloaded"`)

	cancel()
	require.NoError(t, <-done)
	rl.close()
	assert.Equal(t, builds.Load(), closed.Load(), "every built pipeline is released on shutdown")
}

func TestReloader_KeepsPreviousPipelineOnError(t *testing.T) {
	srv := server.New(stubRunner{id: "initial"}, server.Options{})
	rl := &reloader{
		srv:    srv,
		logger: zap.NewNop(),
		build: func(context.Context) (server.Runner, string, func() error, error) {
			return nil, "", nil, errors.New("invalid timezone")
		},
	}

	err := rl.reload(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(runID(t, srv), `"run_id":"initial"`))
}

func TestReloader_DebouncesBurstOfWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adreport.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: UTC\n"), 0o644))

	var builds atomic.Int32
	rl := &reloader{
		path:     path,
		srv:      server.New(stubRunner{id: "initial"}, server.Options{}),
		logger:   zap.NewNop(),
		debounce: 300 * time.Millisecond,
		build: func(context.Context) (server.Runner, string, func() error, error) {
			builds.Add(1)
			return stubRunner{id: "reloaded"}, "", nil, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.watch(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool {
		if builds.Load() > 0 {
			return true
		}
		_ = os.WriteFile(path, []byte("timezone: UTC\n"), 0o644)
		return false
	}, 10*time.Second, time.Second)

	before := builds.Load()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("timezone: Europe/Paris\n"), 0o644))
	}
	require.Eventually(t, func() bool { return builds.Load() > before }, 5*time.Second, 50*time.Millisecond)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, before+1, builds.Load(), "a burst of writes triggers one reload")

	cancel()
	require.NoError(t, <-done)
}
