package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Source holds the file source collectors. A nil *Source records nothing.
type Source struct {
	filesDiscovered prometheus.Counter
	filesFailed     prometheus.Counter
	filesTailing    prometheus.Gauge
	filesQueued     prometheus.Gauge
	linesRead       prometheus.Counter
	linesRejected   prometheus.Counter
}

func NewSource(reg prometheus.Registerer) (*Source, error) {
	s := &Source{
		filesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "files_discovered_total",
			Help:      "Total number of distinct log files found under the root path",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "files_failed_total",
			Help:      "Total number of files that could not be tailed",
		}),
		filesTailing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "files_tailing",
			Help:      "Number of files being tailed right now",
		}),
		filesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "files_queued",
			Help:      "Number of files waiting for a free tailer",
		}),
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "lines_read_total",
			Help:      "Total number of lines read from tailed files",
		}),
		linesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "source",
			Name:      "lines_rejected_total",
			Help:      "Total number of lines the client refused to enqueue",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		s.filesDiscovered, s.filesFailed, s.filesTailing, s.filesQueued, s.linesRead, s.linesRejected,
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) IncFilesDiscovered() {
	if s == nil {
		return
	}
	s.filesDiscovered.Inc()
}

func (s *Source) IncFilesFailed() {
	if s == nil {
		return
	}
	s.filesFailed.Inc()
}

func (s *Source) IncTailing() {
	if s == nil {
		return
	}
	s.filesTailing.Inc()
}

func (s *Source) DecTailing() {
	if s == nil {
		return
	}
	s.filesTailing.Dec()
}

func (s *Source) SetFilesQueued(n int) {
	if s == nil {
		return
	}
	s.filesQueued.Set(float64(n))
}

func (s *Source) IncLinesRead() {
	if s == nil {
		return
	}
	s.linesRead.Inc()
}

func (s *Source) IncLinesRejected() {
	if s == nil {
		return
	}
	s.linesRejected.Inc()
}
