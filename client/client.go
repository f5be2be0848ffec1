// Package client buffers events in memory and delivers them in batches to an
// HTTP collector from a single background goroutine.
package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/delivery/backoff"
	"github.com/Chichichkin/eventpipe/internal/delivery/transport"
	"github.com/Chichichkin/eventpipe/internal/delivery/worker"
	"github.com/Chichichkin/eventpipe/internal/metrics"
)

type (
	Event    = delivery.Event
	Response = delivery.Response
	Queue    = worker.Queue
	Sender   = worker.Sender
)

var (
	ErrInvalidConfiguration = delivery.ErrInvalidConfiguration
	ErrInvalidArgument      = delivery.ErrInvalidArgument
	ErrSerialization        = delivery.ErrSerialization
)

const Version = delivery.Version

type pusher interface {
	Push(data any) (bool, error)
	Flush(ctx context.Context) error
	Queued() int
	Stop()
}

type Client struct {
	pusher pusher
	log    *zap.SugaredLogger
}

func New(opts Options, fns ...Option) (*Client, error) {
	s := settings{log: zap.NewNop().Sugar()}
	for _, fn := range fns {
		fn(&s)
	}

	c := &Client{log: s.log.Named("client")}
	if s.recorder != nil {
		c.pusher = s.recorder
		c.log.Debug("test mode enabled, events are recorded and never sent")
		return c, nil
	}

	var m *metrics.Metrics
	if s.reg != nil {
		var err error
		if m, err = metrics.New(s.reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	sender := s.sender
	if sender == nil {
		tr, err := newTransport(opts, s, m)
		if err != nil {
			return nil, err
		}
		sender = tr
	}

	w, err := worker.New(s.queue, sender, worker.Config{
		BatchSize:          opts.BatchSize,
		MaxQueueSize:       opts.MaxQueueSize,
		ShutdownTimeout:    opts.ShutdownTimeout,
		StartAutomatically: opts.StartAutomatically,
		ShutdownOnSignal:   opts.ShutdownAutomatically,
	},
		worker.WithOnError(s.onError),
		worker.WithLogger(s.log),
		worker.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	c.pusher = w
	return c, nil
}

func newTransport(opts Options, s settings, m *metrics.Metrics) (*transport.HTTP, error) {
	b := s.backoff
	if b == nil {
		policy, err := backoff.New(backoff.Config{
			MinTimeoutMs:        opts.BackoffMinMs,
			MaxTimeoutMs:        opts.BackoffMaxMs,
			Multiplier:          opts.BackoffMultiplier,
			RandomizationFactor: opts.BackoffJitter,
		})
		if err != nil {
			return nil, err
		}
		b = policy
	}

	return transport.New(opts.URL,
		transport.WithHeaders(opts.Headers),
		transport.WithRetries(opts.Retries),
		transport.WithTimeouts(transport.Timeouts{
			Read:  opts.ReadTimeout,
			Open:  opts.OpenTimeout,
			Write: opts.WriteTimeout,
		}),
		transport.WithBackoff(b),
		transport.WithLogger(s.log),
		transport.WithMetrics(m),
		transport.WithStub(opts.Stub),
	)
}

// Push enqueues event, which must be a map with string keys. It returns false
// when the queue is full and the event was dropped.
func (c *Client) Push(event any) (bool, error) {
	if _, err := delivery.ToEvent(event); err != nil {
		return false, err
	}
	return c.pusher.Push(event)
}

// Flush blocks until every event queued before the call has been handed to the
// transport, or ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	return c.pusher.Flush(ctx)
}

func (c *Client) Queued() int {
	return c.pusher.Queued()
}

// Close sends what is left and stops the background goroutine.
func (c *Client) Close() {
	c.pusher.Stop()
}
