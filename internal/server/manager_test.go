package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestManager_ServesMetricsAndHealth(t *testing.T) {
	m := NewManager(nil, testConfig(), zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	assert.True(t, m.IsRunning())

	status, body := get(t, "http://"+m.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get(t, "http://"+m.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
}

func TestManager_StartTwice(t *testing.T) {
	m := NewManager(nil, testConfig(), nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	assert.Error(t, m.Start())
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := NewManager(nil, testConfig(), nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Start(), "closed server cannot restart")
}

func TestManager_ListenError(t *testing.T) {
	m := NewManager(nil, Config{Addr: "256.0.0.1:bad"}, nil)
	assert.Error(t, m.Start())
	assert.False(t, m.IsRunning())
}
