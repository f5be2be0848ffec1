package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/eventpipe/internal/delivery/backoff"
	"github.com/Chichichkin/eventpipe/internal/testutils"
)

func fastBackoff(t *testing.T) *backoff.Policy {
	t.Helper()
	p, err := backoff.New(backoff.Config{MinTimeoutMs: 1, MaxTimeoutMs: 5, Multiplier: 1.5, RandomizationFactor: 0.5})
	require.NoError(t, err)
	return p
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(DefaultOptions("https://foo.com/bar"))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Queued())
	c.Close()
}

func TestNew_InvalidOptions(t *testing.T) {
	cases := map[string]func(*Options){
		"missing url":      func(o *Options) { o.URL = "" },
		"zero retries":     func(o *Options) { o.Retries = 0 },
		"zero batch size":  func(o *Options) { o.BatchSize = 0 },
		"negative backoff": func(o *Options) { o.BackoffMinMs = -1 },
		"min above max":    func(o *Options) { o.BackoffMinMs = 20_000 },
		"zero queue":       func(o *Options) { o.MaxQueueSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions("https://foo.com")
			mutate(&opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestPush_RejectsNonMaps(t *testing.T) {
	sender := &testutils.MockSender{}
	c, err := New(DefaultOptions("https://foo.com"), WithSender(sender))
	require.NoError(t, err)

	for _, v := range []any{"event", 42, []string{"a"}, nil} {
		ok, err := c.Push(v)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.Equal(t, 0, c.Queued())
}

func TestPush_QueueFull(t *testing.T) {
	opts := DefaultOptions("https://foo.com")
	opts.MaxQueueSize = 2
	opts.StartAutomatically = false
	c, err := New(opts, WithSender(&testutils.MockSender{}))
	require.NoError(t, err)

	results := make([]bool, 0, 3)
	for i := 0; i < 3; i++ {
		ok, err := c.Push(map[string]any{"n": i})
		require.NoError(t, err)
		results = append(results, ok)
	}
	assert.Equal(t, []bool{true, true, false}, results)
	assert.Equal(t, 2, c.Queued())
}

func TestClient_DeliversOverHTTP(t *testing.T) {
	var attempts atomic.Int32
	var mu sync.Mutex
	var bodies []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		var body map[string]any
		assert.NoError(t, json.Unmarshal(raw, &body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		assert.Equal(t, "secret", r.Header.Get("Api-Key"))
		assert.Equal(t, "worker-1", r.Header.Get("Client-Thread"))
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	opts := DefaultOptions(srv.URL)
	opts.Retries = 3
	opts.Headers = map[string]string{"Api-Key": "secret"}

	var failures atomic.Int32
	c, err := New(opts,
		WithBackoff(fastBackoff(t)),
		WithOnError(func(Response) { failures.Add(1) }),
	)
	require.NoError(t, err)

	ts := time.Date(2013, 1, 1, 1, 1, 2, 23000, time.UTC)
	ok, err := c.Push(map[string]any{"name": "signup", "at": ts})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Flush(context.Background()))
	c.Close()

	assert.Equal(t, int32(3), attempts.Load())
	// 201 is not 200, so the callback still fires
	assert.Equal(t, int32(1), failures.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0]["uuid"], bodies[2]["uuid"])
	messages := bodies[2]["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, map[string]any{"name": "signup", "at": "2013-01-01T01:01:02.000023Z"}, messages[0])
}

func TestClient_StubMode(t *testing.T) {
	opts := DefaultOptions("http://127.0.0.1:1/never")
	opts.Stub = true

	var failures atomic.Int32
	c, err := New(opts, WithOnError(func(Response) { failures.Add(1) }))
	require.NoError(t, err)

	_, err = c.Push(map[string]any{"foo": "bar"})
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))
	c.Close()

	assert.Equal(t, int32(0), failures.Load())
}

func TestClient_TestMode(t *testing.T) {
	rec := &Recorder{}
	sender := &testutils.MockSender{}
	c, err := New(DefaultOptions("https://foo.com"), WithTestMode(rec), WithSender(sender))
	require.NoError(t, err)

	ts := time.Date(2013, 1, 1, 1, 1, 2, 23000, time.UTC)
	ok, err := c.Push(map[string]any{"at": ts})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Push("not a map")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, c.Flush(context.Background()))
	c.Close()

	assert.Equal(t, []Event{{"at": "2013-01-01T01:01:02.000023Z"}}, rec.Events())
	assert.Equal(t, 1, c.Queued())
	assert.Empty(t, sender.GetSentBatches())

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestClient_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(DefaultOptions("https://foo.com"), WithSender(&testutils.MockSender{}), WithMetrics(reg))
	require.NoError(t, err)

	_, err = c.Push(map[string]any{"foo": "bar"})
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))
	c.Close()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "eventpipe_events_enqueued_total")
	assert.Contains(t, names, "eventpipe_batches_sent_total")

	_, err = New(DefaultOptions("https://foo.com"), WithMetrics(reg))
	assert.Error(t, err)
}

func TestLoadOptions(t *testing.T) {
	t.Setenv("EVENTPIPE_URL", "https://collector.example.com/batch")
	t.Setenv("EVENTPIPE_HEADERS", "Api-Key:abc,X-Team:core")
	t.Setenv("EVENTPIPE_RETRIES", "3")
	t.Setenv("EVENTPIPE_READ_TIMEOUT", "2s")
	t.Setenv("EVENTPIPE_BATCH_SIZE", "50")
	t.Setenv("EVENTPIPE_STUB", "true")

	opts, err := LoadOptions()
	require.NoError(t, err)

	expected := DefaultOptions("https://collector.example.com/batch")
	expected.Headers = map[string]string{"Api-Key": "abc", "X-Team": "core"}
	expected.Retries = 3
	expected.ReadTimeout = 2 * time.Second
	expected.BatchSize = 50
	expected.Stub = true
	assert.Equal(t, expected, opts)
}

func TestLoadOptions_Defaults(t *testing.T) {
	opts, err := LoadOptions()
	require.NoError(t, err)

	expected := DefaultOptions("")
	assert.Equal(t, expected.Retries, opts.Retries)
	assert.Equal(t, expected.ShutdownTimeout, opts.ShutdownTimeout)
	assert.Equal(t, expected.BackoffMultiplier, opts.BackoffMultiplier)
	assert.True(t, opts.StartAutomatically)
	assert.False(t, opts.ShutdownAutomatically)
}

func TestLoadOptions_Invalid(t *testing.T) {
	t.Setenv("EVENTPIPE_RETRIES", "many")

	_, err := LoadOptions()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
