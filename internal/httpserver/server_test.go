package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "smsmaster/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	h := s.Router()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.AddCheck("storage", func(context.Context) error { return nil })
	h := s.Router()

	rec := get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["storage"])

	s.AddCheck("scheduler", func(context.Context) error { return errors.New("loop exited") })
	rec = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "loop exited", body.Checks["scheduler"])
	assert.Equal(t, "ok", body.Checks["storage"])
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	h := s.Router()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/status").Code)

	s.SetStatus(func(context.Context) any { return map[string]int{"pending": 3} })
	rec := get(t, h, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":3}`, rec.Body.String())
}

func TestPprofIsOptIn(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, get(t, New(Config{}, logx.Nop()).Router(), "/debug/pprof/cmdline").Code)
	assert.Equal(t, http.StatusOK, get(t, New(Config{Pprof: true}, logx.Nop()).Router(), "/debug/pprof/cmdline").Code)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "start is idempotent")

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "OK", string(b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}
