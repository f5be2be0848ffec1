package client

import (
	"context"
	"sync"

	"github.com/Chichichkin/eventpipe/internal/delivery"
)

// Recorder keeps pushed events in memory. See WithTestMode.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Push(data any) (bool, error) {
	event, err := delivery.ToEvent(data)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, delivery.IsoifyDates(event))
	return true, nil
}

func (r *Recorder) Flush(context.Context) error { return nil }

func (r *Recorder) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *Recorder) Stop() {}

// Events returns a copy of everything pushed so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
