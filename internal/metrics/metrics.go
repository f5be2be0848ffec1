package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "eventpipe"

	StatusSuccess = "success"
	StatusError   = "error"

	ReasonQueueFull     = "queue_full"
	ReasonOversized     = "oversized"
	ReasonSerialization = "serialization"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing,
// so components can take it as an optional dependency.
type Metrics struct {
	eventsEnqueued prometheus.Counter
	eventsDropped  *prometheus.CounterVec
	queueLength    prometheus.Gauge

	batchesSent  *prometheus.CounterVec
	batchSize    prometheus.Histogram
	sendAttempts prometheus.Counter
	sendRetries  prometheus.Counter
	sendDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_enqueued_total",
			Help:      "Total number of events accepted into the queue",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped before delivery, by reason",
		}, []string{"reason"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_length",
			Help:      "Number of events waiting in the queue",
		}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batches_sent_total",
			Help:      "Total number of batches handed to the transport, by outcome",
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_size_events",
			Help:      "Number of events per sent batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		sendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "send_attempts_total",
			Help:      "Total number of HTTP requests issued for batches",
		}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "send_retries_total",
			Help:      "Total number of retried batch requests",
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one batch, retries included",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.eventsEnqueued,
		m.eventsDropped,
		m.queueLength,
		m.batchesSent,
		m.batchSize,
		m.sendAttempts,
		m.sendRetries,
		m.sendDuration,
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) ObserveBatch(events int, ok bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.batchesSent.WithLabelValues(status).Inc()
	m.batchSize.Observe(float64(events))
}

func (m *Metrics) IncSendAttempts() {
	if m == nil {
		return
	}
	m.sendAttempts.Inc()
}

func (m *Metrics) IncSendRetries() {
	if m == nil {
		return
	}
	m.sendRetries.Inc()
}

func (m *Metrics) ObserveSendDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.Observe(d.Seconds())
}
