package queue

import (
	"context"
	"sync"
	"time"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

// State is a request's lifecycle state. Transitions only move forward:
// Queued -> Active -> Streaming -> Completed, or to Cancelled/Failed.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateActive:
		return 1
	case StateStreaming:
		return 2
	}
	return 3
}

// Cancellation reasons.
const (
	ReasonAPI        = "api"
	ReasonDisconnect = "disconnect"
	ReasonStale      = "stale"
	ReasonShutdown   = "shutdown"
)

const deltaBuffer = 256

// Entry is one admitted request. The HTTP handler reads its deltas until the
// channel closes; the worker writes them.
type Entry struct {
	Request    *acquire.Request
	EnqueuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	deltas     chan stream.Delta
	detached   chan struct{}
	detachOnce sync.Once
	finishOnce sync.Once
	done       chan struct{}

	mu        sync.Mutex
	state     State
	reason    string
	startedAt time.Time
	result    acquire.Result
}

func newEntry(req *acquire.Request, now time.Time) *Entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Entry{
		Request:    req,
		EnqueuedAt: now,
		ctx:        ctx,
		cancel:     cancel,
		deltas:     make(chan stream.Delta, deltaBuffer),
		detached:   make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateQueued,
	}
}

// ID returns the request id.
func (e *Entry) ID() string { return e.Request.ID }

// Deltas yields the response deltas. It is closed once the request reaches a
// terminal state.
func (e *Entry) Deltas() <-chan stream.Delta { return e.deltas }

// Done is closed once the request reaches a terminal state.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Detach tells the worker that nobody reads Deltas anymore.
func (e *Entry) Detach() {
	e.detachOnce.Do(func() { close(e.detached) })
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancelled reports whether cancellation was requested.
func (e *Entry) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason != ""
}

// CancelReason returns why the entry was cancelled, or "".
func (e *Entry) CancelReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Result returns the acquisition result. Valid after Done is closed.
func (e *Entry) Result() acquire.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// requestCancel marks the entry cancelled. It returns false when the entry
// was already cancelled or finished.
func (e *Entry) requestCancel(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() || e.reason != "" {
		return false
	}
	e.reason = reason
	e.cancel()
	return true
}

// advance moves the state forward; backward moves are ignored.
func (e *Entry) advance(to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() || to.rank() < e.state.rank() || to == e.state {
		return false
	}
	if to == StateActive {
		e.startedAt = time.Now()
	}
	e.state = to
	return true
}

// emit delivers d unless the reader detached.
func (e *Entry) emit(d stream.Delta) error {
	select {
	case e.deltas <- d:
		return nil
	case <-e.detached:
		return errDetached
	}
}

// finish records the terminal state and closes the delta channel.
func (e *Entry) finish(state State, res acquire.Result) {
	e.finishOnce.Do(func() {
		e.mu.Lock()
		e.state = state
		e.result = res
		e.mu.Unlock()
		e.cancel()
		close(e.deltas)
		close(e.done)
	})
}

func (e *Entry) snapshot(position int, now time.Time) Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Item{
		ReqID:       e.Request.ID,
		Position:    position,
		State:       e.state,
		EnqueueTime: e.EnqueuedAt,
		WaitSeconds: now.Sub(e.EnqueuedAt).Seconds(),
		IsStreaming: e.Request.Stream,
		Cancelled:   e.reason != "",
	}
}
