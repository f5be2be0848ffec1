package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/delivery/batch"
	"github.com/Chichichkin/eventpipe/internal/delivery/queue"
	"github.com/Chichichkin/eventpipe/internal/delivery/transport"
	"github.com/Chichichkin/eventpipe/internal/metrics"
)

const (
	DefaultMaxQueueSize    = 10_000
	DefaultShutdownTimeout = 5 * time.Second
)

type Queue interface {
	Push(it queue.Item)
	PushFront(it queue.Item)
	Pop() queue.Item
	Len() int
	Clear()
}

// Sender delivers a batch. Implementations clear the batch once it has been sent.
type Sender interface {
	SendBatch(ctx context.Context, b *batch.MessageBatch) delivery.Response
	Shutdown()
}

type Config struct {
	BatchSize          int
	MaxQueueSize       int
	ShutdownTimeout    time.Duration
	StartAutomatically bool
	// ShutdownOnSignal stops the worker on SIGINT/SIGTERM and then re-raises the signal.
	ShutdownOnSignal bool
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          batch.DefaultMaxSize,
		MaxQueueSize:       DefaultMaxQueueSize,
		ShutdownTimeout:    DefaultShutdownTimeout,
		StartAutomatically: true,
	}
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: max queue size must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	return nil
}

// Worker drains the queue into batches on a single background goroutine.
type Worker struct {
	config  Config
	queue   Queue
	sender  Sender
	onError delivery.ErrorHandler
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	getpid  func() int

	pushMu     sync.Mutex
	pid        atomic.Int64
	starting   atomic.Bool
	current    atomic.Pointer[loop]
	requesting atomic.Bool
	loops      atomic.Int64

	stopSignals func()
}

type loop struct {
	id   string
	pid  int
	done chan struct{}
}

func (l *loop) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

type Option func(*Worker)

func WithOnError(fn delivery.ErrorHandler) Option {
	return func(w *Worker) {
		if fn != nil {
			w.onError = fn
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithPIDFunc replaces os.Getpid as the source of the owning process id.
func WithPIDFunc(fn func() int) Option {
	return func(w *Worker) {
		w.getpid = fn
	}
}

func New(q Queue, sender Sender, config Config, opts ...Option) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if q == nil {
		q = queue.New()
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is required", delivery.ErrInvalidConfiguration)
	}

	w := &Worker{
		config:  config,
		queue:   q,
		sender:  sender,
		onError: func(delivery.Response) {},
		log:     zap.NewNop().Sugar(),
		getpid:  os.Getpid,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("worker")
	w.pid.Store(int64(w.getpid()))

	if config.ShutdownOnSignal {
		w.handleSignals()
	}

	return w, nil
}

// Push validates and enqueues data. It returns false without blocking when the
// queue is full.
func (w *Worker) Push(data any) (bool, error) {
	event, err := delivery.ToEvent(data)
	if err != nil {
		return false, err
	}

	if w.forked() {
		w.reset()
	}
	if w.config.StartAutomatically {
		w.Start()
	}

	event = delivery.IsoifyDates(event)

	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	if w.queue.Len() >= w.config.MaxQueueSize {
		w.log.Warnw("queue is full, dropping events; increase the max queue size to prevent this",
			"max_queue_size", w.config.MaxQueueSize)
		w.metrics.IncDropped(metrics.ReasonQueueFull)
		return false, nil
	}

	w.queue.Push(queue.Message{Event: event})
	w.metrics.IncEnqueued()
	w.metrics.SetQueueLength(w.queue.Len())
	return true, nil
}

// Start makes sure exactly one loop is running. If another goroutine is already
// starting it, Start returns immediately.
func (w *Worker) Start() {
	if w.forked() {
		w.reset()
	}
	w.ensureRunning()
}

// Stop asks the running loop to send what it has and exit, waiting at most the
// shutdown timeout. An in-flight request is not interrupted.
func (w *Worker) Stop() {
	if w.stopSignals != nil {
		w.stopSignals()
	}

	l := w.current.Load()
	if l == nil || !l.alive() {
		return
	}

	w.queue.Push(queue.Shutdown{Worker: l.id})

	timer := time.NewTimer(w.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-l.done:
		w.log.Infow("worker joined successfully", "worker", l.id)
	case <-timer.C:
		w.log.Infow("worker did not join within the shutdown timeout",
			"worker", l.id, "timeout", w.config.ShutdownTimeout)
	}
}

// Flush sends everything queued so far, including a partially filled batch, and
// waits for it to be handed to the sender. If the loop exits before reaching the
// flush, a new loop is started to pick up the rest of the queue.
func (w *Worker) Flush(ctx context.Context) error {
	w.Start()

	done := make(chan struct{})
	w.queue.Push(queue.Flush{Done: done})

	for {
		var exited <-chan struct{}
		l := w.current.Load()
		if l != nil {
			exited = l.done
		}

		select {
		case <-done:
			return nil
		case <-exited:
			select {
			case <-done:
				return nil
			default:
			}
			w.Start()
			if w.current.Load() == l {
				// another goroutine holds the startup lock
				if err := wait(ctx, 10*time.Millisecond); err != nil {
					return fmt.Errorf("flush: %w", err)
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("flush: %w", ctx.Err())
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requesting reports whether a batch is being sent right now.
func (w *Worker) Requesting() bool {
	return w.requesting.Load()
}

func (w *Worker) Queued() int {
	return w.queue.Len()
}

func (w *Worker) Running() bool {
	l := w.current.Load()
	return l != nil && l.alive()
}

func (w *Worker) forked() bool {
	return w.pid.Load() != int64(w.getpid())
}

// reset drops the startup flag, loop handle and queued events inherited from the
// parent process. A loop left over from the old process id is told to exit.
func (w *Worker) reset() {
	old := w.pid.Load()
	now := int64(w.getpid())
	if old == now || !w.pid.CompareAndSwap(old, now) {
		return
	}

	w.log.Infow("process id changed, resetting worker", "old_pid", old, "pid", now)
	orphan := w.current.Swap(nil)
	w.starting.Store(false)
	w.queue.Clear()
	w.metrics.SetQueueLength(0)

	if orphan != nil && orphan.alive() {
		w.queue.Push(queue.Shutdown{Worker: orphan.id})
	}
}

func (w *Worker) ensureRunning() {
	if w.Running() {
		return
	}

	// another goroutine is starting the loop; let it finish
	if !w.starting.CompareAndSwap(false, true) {
		return
	}
	defer w.starting.Store(false)

	if w.Running() {
		return
	}

	l := &loop{
		id:   fmt.Sprintf("worker-%d", w.loops.Add(1)),
		pid:  w.getpid(),
		done: make(chan struct{}),
	}
	w.current.Store(l)
	go w.run(l)

	w.log.Debugw("worker started", "worker", l.id, "pid", l.pid)
}

func (w *Worker) run(l *loop) {
	defer close(l.done)
	defer w.sender.Shutdown()
	defer func() {
		if r := recover(); r != nil {
			w.requesting.Store(false)
			w.log.Errorw("worker panicked", "worker", l.id, "panic", r)
		}
	}()

	ctx := transport.WithWorkerID(context.Background(), l.id)
	b := batch.New(w.config.BatchSize, w.log)
	b.OnOversized = func(int) {
		w.metrics.IncDropped(metrics.ReasonOversized)
	}

	for {
		it := w.queue.Pop()

		if w.current.Load() != l {
			// replaced after a process id change; the item belongs to the new loop
			if sd, ok := it.(queue.Shutdown); !ok || sd.Worker != l.id {
				w.queue.PushFront(it)
			}
			w.log.Infow("worker left over from another process id, exiting",
				"worker", l.id, "dropped", b.Len())
			return
		}

		switch it := it.(type) {
		case queue.Shutdown:
			if it.Worker != "" && it.Worker != l.id {
				continue
			}
			w.log.Infow("worker shutting down", "worker", l.id)
			if !b.Empty() {
				w.send(ctx, b)
			}
			return

		case queue.Flush:
			if !b.Empty() {
				w.send(ctx, b)
			}
			close(it.Done)

		case queue.Message:
			w.metrics.SetQueueLength(w.queue.Len())
			if err := b.Append(it.Event); err != nil {
				w.metrics.IncDropped(metrics.ReasonSerialization)
				w.onError(delivery.NewResponse(delivery.StatusTransportFailure, err.Error()))
			}
			if b.Full() {
				w.send(ctx, b)
			}
		}
	}
}

func (w *Worker) send(ctx context.Context, b *batch.MessageBatch) delivery.Response {
	n := b.Len()

	w.requesting.Store(true)
	resp := w.sender.SendBatch(ctx, b)
	w.requesting.Store(false)

	w.metrics.ObserveBatch(n, resp.OK())
	if !resp.OK() {
		w.onError(resp)
	}
	return resp
}

func (w *Worker) handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	w.stopSignals = sync.OnceFunc(func() {
		close(done)
	})

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			signal.Stop(ch)
			w.Stop()
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				p.Signal(sig) //nolint:errcheck
			}
		case <-done:
		}
	}()
}
