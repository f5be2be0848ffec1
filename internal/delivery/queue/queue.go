package queue

import (
	"sync"

	"github.com/Chichichkin/eventpipe/internal/delivery"
)

// Item is one queued value: a Message, a Flush or a Shutdown.
type Item interface {
	item()
}

type Message struct {
	Event delivery.Event
}

// Flush asks the worker to send whatever it has batched and then close Done.
type Flush struct {
	Done chan struct{}
}

// Shutdown asks the worker to send whatever it has batched and exit. A
// Shutdown with a Worker id only stops that worker; any other worker drops it.
type Shutdown struct {
	Worker string
}

func (Message) item()  {}
func (Flush) item()    {}
func (Shutdown) item() {}

// Queue is an unbounded FIFO shared by many producers and one consumer.
// The zero value is ready to use.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Item
	messages int
}

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Push(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.init()
	q.items = append(q.items, it)
	if _, ok := it.(Message); ok {
		q.messages++
	}
	q.cond.Signal()
}

// PushFront puts it back at the head of the queue.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.init()
	q.items = append([]Item{it}, q.items...)
	if _, ok := it.(Message); ok {
		q.messages++
	}
	q.cond.Signal()
}

// Pop blocks until an item is available.
func (q *Queue) Pop() Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.init()
	for len(q.items) == 0 {
		q.cond.Wait()
	}

	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if _, ok := it.(Message); ok {
		q.messages--
	}
	return it
}

// Len returns the number of queued messages; control items are not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages
}

func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Clear drops every queued item. Waiters of dropped Flush items are released.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if f, ok := it.(Flush); ok && f.Done != nil {
			close(f.Done)
		}
	}
	q.items = nil
	q.messages = 0
}

func (q *Queue) init() {
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
}
