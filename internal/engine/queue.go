package engine

import (
	"sync"

	"github.com/roach88/lofi/internal/conn"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeInit carries the application configuration.
	EventTypeInit EventType = iota + 1
	// EventTypeTransition carries a submitted transition.
	EventTypeTransition
	// EventTypeConnection carries a connection manager event.
	EventTypeConnection
	// EventTypeStorage carries the storage manager's one-shot result.
	EventTypeStorage
	// EventTypeCall runs a function on the loop: handler settles, API calls.
	EventTypeCall
)

func (t EventType) String() string {
	switch t {
	case EventTypeInit:
		return "init"
	case EventTypeTransition:
		return "transition"
	case EventTypeConnection:
		return "connection"
	case EventTypeStorage:
		return "storage"
	case EventTypeCall:
		return "call"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the loop. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type       EventType
	Init       *Config
	Transition *Submission
	Conn       *conn.Event
	Storage    *StorageResult
	Call       func()
}

// Submission is a transition accepted by Submit, already numbered.
type Submission struct {
	ID     uint64
	Action string
	Data   ir.IRObject
}

// StorageResult is what the storage manager resolved to.
type StorageResult struct {
	DB  *store.DB
	Err error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so resource managers and handler goroutines never
// block on a busy loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Clear the slot so the backing array does not pin payloads.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
