package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/eventpipe/internal/delivery"
	"github.com/Chichichkin/eventpipe/internal/delivery/batch"
	"github.com/Chichichkin/eventpipe/internal/delivery/transport"
)

// MockSender records every batch it is given and answers with Response.
type MockSender struct {
	SentBatches   [][]delivery.Event
	WorkerIDs     []string
	Response      *delivery.Response
	Delay         time.Duration
	ShutdownCalls int
	mu            sync.Mutex
}

func (m *MockSender) SendBatch(ctx context.Context, b *batch.MessageBatch) delivery.Response {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]delivery.Event, len(b.Messages()))
	copy(events, b.Messages())
	m.SentBatches = append(m.SentBatches, events)
	m.WorkerIDs = append(m.WorkerIDs, transport.WorkerID(ctx))
	b.Clear()

	if m.Response != nil {
		return *m.Response
	}
	return delivery.NewResponse(200, "Success")
}

func (m *MockSender) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
}

func (m *MockSender) GetSentBatches() [][]delivery.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentBatches
}

// GetSentEvents flattens the sent batches in delivery order.
func (m *MockSender) GetSentEvents() []delivery.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []delivery.Event
	for _, b := range m.SentBatches {
		events = append(events, b...)
	}
	return events
}

func (m *MockSender) GetShutdownCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ShutdownCalls
}

// PanicSender panics on every send.
type PanicSender struct {
	MockSender
}

func (p *PanicSender) SendBatch(ctx context.Context, b *batch.MessageBatch) delivery.Response {
	panic("mock send failed")
}

// MockPusher collects pushed events.
type MockPusher struct {
	Events    []delivery.Event
	PushCalls int
	Reject    bool
	mu        sync.Mutex
}

func (m *MockPusher) Push(data any) (bool, error) {
	event, err := delivery.ToEvent(data)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls++
	if m.Reject {
		return false, nil
	}
	m.Events = append(m.Events, event)
	return true, nil
}

func (m *MockPusher) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events), m.PushCalls
}

func (m *MockPusher) GetEvents() []delivery.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]delivery.Event, len(m.Events))
	copy(out, m.Events)
	return out
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
