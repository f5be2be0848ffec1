package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/metrics"
)

// Pusher accepts one event per line.
type Pusher interface {
	Push(data any) (bool, error)
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// Poll for changes instead of using inotify
	Poll bool
}

func DefaultConfig() Config {
	return Config{
		LogRootPath:     "/var/log/pods",
		ScanInterval:    30 * time.Second,
		Workers:         4,
		FileQueueSize:   50,
		NodeName:        "unknown",
		FileIdleTimeout: 5 * time.Minute,
		Poll:            true,
	}
}

func (c Config) Validate() error {
	if c.LogRootPath == "" {
		return fmt.Errorf("%w: log root path is required", delivery.ErrInvalidConfiguration)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan interval must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	if c.FileQueueSize <= 0 {
		return fmt.Errorf("%w: file queue size must be greater than 0", delivery.ErrInvalidConfiguration)
	}
	return nil
}

// Service discovers *.log files under a root directory and tails each of them,
// pushing every new line as an event.
type Service struct {
	config    Config
	pusher    Pusher
	log       *zap.SugaredLogger
	metrics   *metrics.Source
	fileQueue chan string

	mu        sync.Mutex
	seenFiles map[string]struct{}
	tailing   map[string]struct{}

	now func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.log = log
	}
}

func WithMetrics(m *metrics.Source) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(config Config, pusher Pusher, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if pusher == nil {
		return nil, fmt.Errorf("%w: pusher is required", delivery.ErrInvalidConfiguration)
	}

	s := &Service{
		config:    config,
		pusher:    pusher,
		log:       zap.NewNop().Sugar(),
		fileQueue: make(chan string, config.FileQueueSize),
		seenFiles: make(map[string]struct{}),
		tailing:   make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("source")

	return s, nil
}

// Run scans and tails until ctx is done, then waits for every tailer to exit.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("starting log source",
		"root", s.config.LogRootPath, "workers", s.config.Workers, "queue_size", s.config.FileQueueSize)

	var workersWg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			s.worker(ctx)
		}()
	}

	s.scanner(ctx)

	close(s.fileQueue)
	workersWg.Wait()

	s.log.Info("log source stopped")
	return nil
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.SetFilesQueued(len(s.fileQueue))
			s.processFile(ctx, filePath)
			s.release(filePath)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("file processing panicked", "file", filePath, "panic", r)
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     s.config.Poll,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.log.Warnw("failed to tail file", "file", filePath, "error", err)
		s.metrics.IncFilesFailed()
		return
	}
	s.metrics.IncTailing()
	defer func() {
		s.metrics.DecTailing()
		if err := t.Stop(); err != nil {
			s.log.Debugw("tail stopped with error", "file", filePath, "error", err)
		}
		t.Cleanup()
	}()

	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	labels := s.extractLabels(filePath)
	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.log.Warnw("error reading file", "file", filePath, "error", line.Err)
				continue
			}

			s.metrics.IncLinesRead()
			s.pushLine(filePath, line.Text, labels)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// wake up from blocking line reads to check the idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.log.Debugw("file idle, releasing tailer", "file", filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pushLine(filePath, text string, labels map[string]string) {
	ok, err := s.pusher.Push(s.buildEvent(filePath, text, labels))
	if err != nil {
		s.log.Warnw("failed to push line", "file", filePath, "error", err)
	}
	if !ok {
		s.metrics.IncLinesRejected()
	}
}

// buildEvent turns a line into an event. JSON object lines keep their own fields;
// the file, node, timestamp and labels are only filled in where the line has none.
func (s *Service) buildEvent(filePath, text string, labels map[string]string) delivery.Event {
	event := delivery.Event{}
	if trimmed := strings.TrimSpace(text); strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
			event = delivery.Event{}
		}
	}
	if len(event) == 0 {
		event["message"] = text
	}

	setDefault(event, "file", filePath)
	setDefault(event, "node", s.config.NodeName)
	setDefault(event, "timestamp", s.now())

	podLabels := make(map[string]any, len(labels))
	for k, v := range labels {
		podLabels[k] = v
	}
	setDefault(event, "labels", podLabels)

	return event
}

func setDefault(event delivery.Event, key string, value any) {
	if _, ok := event[key]; !ok {
		event[key] = value
	}
}

func (s *Service) scanner(ctx context.Context) {
	s.scanFiles(ctx)

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) scanFiles(ctx context.Context) {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.log.Warnw("error discovering log files", "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.SetFilesQueued(len(s.fileQueue))
		case <-ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.log.Warnw("file queue full, skipping file",
				"queued", len(s.fileQueue), "capacity", cap(s.fileQueue), "file", file)
		}
	}
}

// claim marks file as taken by a tailer. It returns false when one already has it.
func (s *Service) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.seenFiles[file] = struct{}{}
		s.metrics.IncFilesDiscovered()
	}
	if _, ok := s.tailing[file]; ok {
		return false
	}
	s.tailing[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tailing, file)
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.log.Debugw("error accessing path", "path", path, "error", err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads <namespace>_<pod>_<uid>/<container>/ from the path below the root.
func (s *Service) extractLabels(filePath string) map[string]string {
	labels := map[string]string{}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.SplitN(parts[0], "_", 3)
	if len(podParts) == 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}
