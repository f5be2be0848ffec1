package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/Chichichkin/eventpipe/client"
)

type collector struct {
	mu      sync.Mutex
	status  int
	bodies  []map[string]any
	headers []http.Header
}

func newCollector(t *testing.T, status int) (*collector, *httptest.Server) {
	t.Helper()
	c := &collector{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(raw, &body))

		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()

		w.WriteHeader(c.status)
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func contextFor(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(newApp(), set, nil)
}

func TestParseEvent(t *testing.T) {
	event, err := parseEvent(`{"name":"signup","n":1}`)
	require.NoError(t, err)
	assert.Equal(t, client.Event{"name": "signup", "n": 1.0}, event)

	for _, raw := range []string{`[1,2]`, `"str"`, `null`, `{`} {
		_, err := parseEvent(raw)
		assert.ErrorIs(t, err, client.ErrInvalidArgument, raw)
	}
}

func TestBuildConfig(t *testing.T) {
	t.Setenv("EVENTPIPE_URL", "https://collector.example.com")
	t.Setenv("EVENTPIPE_SHUTDOWN_AUTOMATICALLY", "true")

	c := contextFor(t, runFlags(),
		"--log-path", "/tmp/logs",
		"--node-name", "node-7",
		"--workers", "2",
		"--flush-interval", "1s",
		"--metrics-addr", "",
	)
	cfg, err := buildConfig(c)
	require.NoError(t, err)

	assert.Equal(t, "https://collector.example.com", cfg.Delivery.URL)
	assert.False(t, cfg.Delivery.ShutdownAutomatically)
	assert.Equal(t, "/tmp/logs", cfg.Source.LogRootPath)
	assert.Equal(t, "node-7", cfg.Source.NodeName)
	assert.Equal(t, 2, cfg.Source.Workers)
	assert.Equal(t, 30*time.Second, cfg.Source.ScanInterval)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestBuildConfig_URLFlagWins(t *testing.T) {
	t.Setenv("EVENTPIPE_URL", "https://from-env.example.com")

	c := contextFor(t, runFlags(), "--url", "https://from-flag.example.com")
	cfg, err := buildConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "https://from-flag.example.com", cfg.Delivery.URL)
}

func TestBuildConfig_InvalidSource(t *testing.T) {
	c := contextFor(t, runFlags(), "--workers", "0")
	_, err := buildConfig(c)
	assert.ErrorIs(t, err, client.ErrInvalidConfiguration)
}

func TestSend_DeliversToCollector(t *testing.T) {
	col, srv := newCollector(t, http.StatusOK)
	t.Setenv("EVENTPIPE_URL", srv.URL)

	err := newApp().Run([]string{"eventpipe", "send", "--event", `{"name":"signup"}`})
	require.NoError(t, err)

	col.mu.Lock()
	defer col.mu.Unlock()
	require.Len(t, col.bodies, 1)
	assert.Equal(t, []any{map[string]any{"name": "signup"}}, col.bodies[0]["messages"])
	assert.NotEmpty(t, col.bodies[0]["uuid"])
}

func TestSend_CollectorRejects(t *testing.T) {
	_, srv := newCollector(t, http.StatusBadRequest)
	t.Setenv("EVENTPIPE_URL", srv.URL)

	err := newApp().Run([]string{"eventpipe", "send", "--event", `{"name":"signup"}`})
	assert.ErrorIs(t, err, errDeliveryFailed)
}

func TestSend_InvalidEvent(t *testing.T) {
	t.Setenv("EVENTPIPE_URL", "https://collector.example.com")

	err := newApp().Run([]string{"eventpipe", "send", "--event", `[1]`})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestSend_Stub(t *testing.T) {
	t.Setenv("EVENTPIPE_STUB", "true")

	err := newApp().Run([]string{"eventpipe", "send", "--url", "http://127.0.0.1:1/never", "--event", `{"a":1}`})
	assert.NoError(t, err)
}

func TestSend_EnvFile(t *testing.T) {
	col, srv := newCollector(t, http.StatusOK)
	t.Cleanup(func() {
		os.Unsetenv("EVENTPIPE_HEADERS")
	})

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("EVENTPIPE_HEADERS=Api-Key:abc\n"), 0644))

	err := newApp().Run([]string{"eventpipe", "send", "--env-file", envFile, "--url", srv.URL, "--event", `{"a":1}`})
	require.NoError(t, err)

	col.mu.Lock()
	defer col.mu.Unlock()
	require.Len(t, col.headers, 1)
	assert.Equal(t, "abc", col.headers[0].Get("Api-Key"))
}

func TestSend_MissingEnvFile(t *testing.T) {
	err := newApp().Run([]string{"eventpipe", "send", "--env-file", "/does/not/exist", "--event", `{"a":1}`})
	assert.Error(t, err)
}
