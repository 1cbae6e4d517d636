package mainboilerplate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiagnosticsHandlers(t *testing.T) {
	var mux = http.NewServeMux()
	var readyErr error

	InitDiagnostics(DiagnosticsConfig{}, mux, func() error { return readyErr })

	var get = func(path string) *httptest.ResponseRecorder {
		var rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}
	require.Equal(t, http.StatusOK, get("/debug/ready").Code)

	readyErr = errors.New("shutting down")
	var rec = get("/debug/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "shutting down\n", rec.Body.String())

	rec = get("/debug/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecoverWritesTerminationLog(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "termination-log")
	require.NoError(t, os.WriteFile(path, []byte("stale message"), 0644))

	var cfg = DiagnosticsConfig{TerminationLog: path}
	require.PanicsWithValue(t, "oh no", func() {
		defer cfg.Recover()()
		panic("oh no")
	})
	var b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "oh no", string(b))

	// Without a panic, the log is untouched.
	func() { defer cfg.Recover()() }()
	b, _ = os.ReadFile(path)
	require.Equal(t, "oh no", string(b))

	// A missing log isn't created.
	cfg.TerminationLog = filepath.Join(t.TempDir(), "missing")
	require.Panics(t, func() {
		defer cfg.Recover()()
		panic("again")
	})
	_, err = os.Stat(cfg.TerminationLog)
	require.True(t, os.IsNotExist(err))
}

func TestMust(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "unused") })
	require.Panics(t, func() { Must(errors.New("failed"), "it failed", "key", "value") })
}
