package client

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/delivery/backoff"
	"github.com/Chichichkin/eventpipe/internal/delivery/batch"
	"github.com/Chichichkin/eventpipe/internal/delivery/transport"
	"github.com/Chichichkin/eventpipe/internal/delivery/worker"
)

// Options holds the delivery configuration. Every field can be set from the
// environment with LoadOptions.
type Options struct {
	URL     string            `env:"EVENTPIPE_URL"`
	Headers map[string]string `env:"EVENTPIPE_HEADERS" envSeparator:"," envKeyValSeparator:":"`
	Stub    bool              `env:"EVENTPIPE_STUB" envDefault:"false"`

	Retries      int           `env:"EVENTPIPE_RETRIES" envDefault:"10"`
	ReadTimeout  time.Duration `env:"EVENTPIPE_READ_TIMEOUT" envDefault:"8s"`
	OpenTimeout  time.Duration `env:"EVENTPIPE_OPEN_TIMEOUT" envDefault:"4s"`
	WriteTimeout time.Duration `env:"EVENTPIPE_WRITE_TIMEOUT" envDefault:"5s"`

	BackoffMinMs      float64 `env:"EVENTPIPE_BACKOFF_MIN_MS" envDefault:"100"`
	BackoffMaxMs      float64 `env:"EVENTPIPE_BACKOFF_MAX_MS" envDefault:"10000"`
	BackoffMultiplier float64 `env:"EVENTPIPE_BACKOFF_MULTIPLIER" envDefault:"1.5"`
	BackoffJitter     float64 `env:"EVENTPIPE_BACKOFF_JITTER" envDefault:"0.5"`

	BatchSize             int           `env:"EVENTPIPE_BATCH_SIZE" envDefault:"100"`
	MaxQueueSize          int           `env:"EVENTPIPE_MAX_QUEUE_SIZE" envDefault:"10000"`
	ShutdownTimeout       time.Duration `env:"EVENTPIPE_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	StartAutomatically    bool          `env:"EVENTPIPE_START_AUTOMATICALLY" envDefault:"true"`
	// ShutdownAutomatically stops the worker on SIGINT/SIGTERM and then re-raises
	// the signal. Off by default; nothing flushes on a plain process exit, so
	// callers that leave it off must Close the client themselves.
	ShutdownAutomatically bool          `env:"EVENTPIPE_SHUTDOWN_AUTOMATICALLY" envDefault:"false"`
}

// DefaultOptions returns the same values LoadOptions uses when nothing is set.
func DefaultOptions(url string) Options {
	b := backoff.DefaultConfig()
	return Options{
		URL:                url,
		Retries:            transport.DefaultRetries,
		ReadTimeout:        transport.DefaultReadTimeout,
		OpenTimeout:        transport.DefaultOpenTimeout,
		WriteTimeout:       transport.DefaultWriteTimeout,
		BackoffMinMs:       b.MinTimeoutMs,
		BackoffMaxMs:       b.MaxTimeoutMs,
		BackoffMultiplier:  b.Multiplier,
		BackoffJitter:      b.RandomizationFactor,
		BatchSize:          batch.DefaultMaxSize,
		MaxQueueSize:       worker.DefaultMaxQueueSize,
		ShutdownTimeout:    worker.DefaultShutdownTimeout,
		StartAutomatically: true,
	}
}

// LoadOptions reads Options from EVENTPIPE_* environment variables.
func LoadOptions() (Options, error) {
	opts, err := env.ParseAs[Options]()
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", delivery.ErrInvalidConfiguration, err)
	}
	return opts, nil
}

type settings struct {
	queue    Queue
	sender   Sender
	backoff  transport.Backoff
	log      *zap.SugaredLogger
	reg      prometheus.Registerer
	onError  delivery.ErrorHandler
	recorder *Recorder
}

type Option func(*settings)

func WithQueue(q Queue) Option {
	return func(s *settings) {
		s.queue = q
	}
}

// WithSender replaces the HTTP transport.
func WithSender(sender Sender) Option {
	return func(s *settings) {
		s.sender = sender
	}
}

func WithBackoff(b transport.Backoff) Option {
	return func(s *settings) {
		s.backoff = b
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithMetrics registers the pipeline collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.reg = reg
	}
}

// WithOnError is called on the worker goroutine for every failed batch.
func WithOnError(fn func(Response)) Option {
	return func(s *settings) {
		s.onError = fn
	}
}

// WithTestMode records pushed events in rec instead of delivering them.
func WithTestMode(rec *Recorder) Option {
	return func(s *settings) {
		s.recorder = rec
	}
}
