package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/delivery/backoff"
	"github.com/Chichichkin/eventpipe/internal/delivery/batch"
	"github.com/Chichichkin/eventpipe/internal/metrics"
)

const (
	DefaultRetries      = 10
	DefaultReadTimeout  = 8 * time.Second
	DefaultOpenTimeout  = 4 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Backoff yields the delay before each retry and is reset after every batch.
type Backoff interface {
	NextInterval() time.Duration
	Reset()
}

// HTTP posts batches to a collector endpoint.
type HTTP struct {
	url        string
	headers    http.Header
	retries    int
	timeouts   Timeouts
	stub       bool
	backoff    Backoff
	httpClient *http.Client
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	hostname   string
}

type Timeouts struct {
	Read  time.Duration
	Open  time.Duration
	Write time.Duration
}

type Option func(*HTTP)

// WithHeaders merges headers over the defaults; on a name collision the given value wins.
func WithHeaders(headers map[string]string) Option {
	return func(t *HTTP) {
		for k, v := range headers {
			t.headers.Set(k, v)
		}
	}
}

func WithRetries(retries int) Option {
	return func(t *HTTP) {
		t.retries = retries
	}
}

// WithTimeouts overrides the non-zero timeouts.
func WithTimeouts(timeouts Timeouts) Option {
	return func(t *HTTP) {
		if timeouts.Read > 0 {
			t.timeouts.Read = timeouts.Read
		}
		if timeouts.Open > 0 {
			t.timeouts.Open = timeouts.Open
		}
		if timeouts.Write > 0 {
			t.timeouts.Write = timeouts.Write
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(t *HTTP) {
		t.backoff = b
	}
}

// WithHTTPClient replaces the client built from the timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTP) {
		t.httpClient = c
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *HTTP) {
		t.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *HTTP) {
		t.metrics = m
	}
}

// WithStub makes SendBatch log the payload and report 200 without any network I/O.
func WithStub(stub bool) Option {
	return func(t *HTTP) {
		t.stub = stub
	}
}

func New(url string, opts ...Option) (*HTTP, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", delivery.ErrInvalidConfiguration)
	}

	hostname, _ := os.Hostname()

	t := &HTTP{
		url:     url,
		headers: DefaultHeaders(),
		retries: DefaultRetries,
		timeouts: Timeouts{
			Read:  DefaultReadTimeout,
			Open:  DefaultOpenTimeout,
			Write: DefaultWriteTimeout,
		},
		log:      zap.NewNop().Sugar(),
		hostname: hostname,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.retries <= 0 {
		return nil, fmt.Errorf("%w: retries must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	if t.backoff == nil {
		policy, err := backoff.New(backoff.DefaultConfig())
		if err != nil {
			return nil, err
		}
		t.backoff = policy
	}
	if t.httpClient == nil {
		t.httpClient = newHTTPClient(t.timeouts)
	}
	t.log = t.log.Named("transport")

	return t, nil
}

func DefaultHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "eventpipe-go/"+delivery.Version)
	h.Set("Client-Language", "go")
	h.Set("Client-Language-Version", runtime.Version())
	h.Set("Client-Platform", runtime.GOOS+"/"+runtime.GOARCH)
	return h
}

func newHTTPClient(timeouts Timeouts) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeouts.Open,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		// net/http has no separate write deadline; the whole exchange is bounded instead
		Timeout: timeouts.Open + timeouts.Write + timeouts.Read,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: timeouts.Read,
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func (t *HTTP) URL() string {
	return t.url
}

func (t *HTTP) Retries() int {
	return t.retries
}

func (t *HTTP) Timeouts() Timeouts {
	return t.timeouts
}

func (t *HTTP) Headers() http.Header {
	return t.headers.Clone()
}

// SendBatch delivers b and reports the outcome. Failures never escape as errors:
// a transport error becomes a Response with status -1. The backoff policy is reset
// and the batch cleared before returning, whatever the outcome.
func (t *HTTP) SendBatch(ctx context.Context, b *batch.MessageBatch) delivery.Response {
	defer b.Clear()
	defer t.backoff.Reset()

	start := time.Now()
	defer func() {
		t.metrics.ObserveSendDuration(time.Since(start))
	}()

	t.log.Debugw("sending request", "items", b.Len(), "batch", b.UUID())

	body, err := json.Marshal(b)
	if err != nil {
		return delivery.NewResponse(delivery.StatusTransportFailure, err.Error())
	}

	var (
		last    delivery.Response
		lastErr error
	)
	for remaining := t.retries; remaining > 0; remaining-- {
		var retry bool
		last, retry, lastErr = t.attempt(ctx, body)
		if !retry || remaining <= 1 {
			break
		}

		t.log.Debugw("retrying request", "retries_left", remaining-1)
		t.metrics.IncSendRetries()
		if err := sleep(ctx, t.backoff.NextInterval()); err != nil {
			// an aborted wait after an HTTP answer still reports that answer
			if lastErr != nil {
				lastErr = errors.Join(lastErr, err)
			}
			break
		}
	}

	if lastErr != nil {
		t.log.Errorw("failed to send batch", "batch", b.UUID(), "error", lastErr)
		return delivery.NewResponse(delivery.StatusTransportFailure, lastErr.Error())
	}
	return last
}

// attempt issues one request; it reports whether the outcome is worth retrying.
func (t *HTTP) attempt(ctx context.Context, body []byte) (delivery.Response, bool, error) {
	t.metrics.IncSendAttempts()

	status, respBody, err := t.sendRequest(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return delivery.Response{}, false, err
		}
		return delivery.Response{}, true, err
	}

	errMsg := parseError(respBody)
	t.log.Debugw("response", "status", status, "error", errMsg)

	return delivery.NewResponse(status, errMsg), t.shouldRetry(status, respBody), nil
}

func (t *HTTP) shouldRetry(status int, body []byte) bool {
	switch {
	case status >= 500:
		return true // server error
	case status == http.StatusTooManyRequests:
		return true // rate limited
	case status >= 400:
		t.log.Errorw("client error, not retrying", "status", status, "body", string(body))
		return false
	default:
		return false
	}
}

func (t *HTTP) sendRequest(ctx context.Context, body []byte) (int, []byte, error) {
	if t.stub {
		t.log.Debugw("stubbed request", "url", t.url, "body", string(body))
		return http.StatusOK, []byte("{}"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = t.headers.Clone()
	t.setCorrelationHeaders(ctx, req.Header)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func (t *HTTP) setCorrelationHeaders(ctx context.Context, h http.Header) {
	set := func(k, v string) {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}
	set("Client-Hostname", t.hostname)
	set("Client-Pid", strconv.Itoa(os.Getpid()))
	set("Client-Thread", WorkerID(ctx))
}

// Shutdown closes idle persistent connections.
func (t *HTTP) Shutdown() {
	t.httpClient.CloseIdleConnections()
}

func parseError(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("retry aborted"), ctx.Err())
	}
}
