// Package queue admits chat requests and hands them, strictly one at a time,
// to the acquisition cascade that owns the single browser page.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/history"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

var (
	// ErrQueueFull is returned by Enqueue when the depth limit is reached.
	ErrQueueFull = errors.New("queue is full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue is closed")
	// ErrDuplicateID is returned when a request id is already admitted.
	ErrDuplicateID = errors.New("request id already queued")

	errDetached = errors.New("response reader detached")
)

const (
	minPacing      = 500 * time.Millisecond
	cleanupTimeout = 5 * time.Second
)

// Runner services one request while the page is held.
type Runner interface {
	Run(ctx context.Context, sess *browser.Session, req *acquire.Request, emit acquire.Emit) acquire.Result
}

// PageSource hands out exclusive page sessions.
type PageSource interface {
	Acquire(ctx context.Context) (*browser.Session, error)
}

// Observer receives queue measurements.
type Observer interface {
	ObserveQueueDepth(n int)
	ObserveRequest(state string, wait, total time.Duration)
}

// Options tunes the queue.
type Options struct {
	// MaxDepth bounds the number of waiting requests; 0 means unbounded.
	MaxDepth int
	// StreamPacing is the minimum gap between consecutive streaming requests.
	StreamPacing time.Duration
	// ContinuousChat keeps the page conversation between requests.
	ContinuousChat bool
	Observer       Observer
	History        history.Store
}

// Item describes one request in a status snapshot.
type Item struct {
	ReqID       string    `json:"req_id"`
	Position    int       `json:"position"`
	State       State     `json:"state"`
	EnqueueTime time.Time `json:"enqueue_time"`
	WaitSeconds float64   `json:"wait_time_seconds"`
	IsStreaming bool      `json:"is_streaming"`
	Cancelled   bool      `json:"cancelled"`
}

// Snapshot is the queue status. The active request, if any, has position 0.
type Snapshot struct {
	QueueLength  int    `json:"queue_length"`
	IsProcessing bool   `json:"is_processing"`
	ActiveID     string `json:"active_id,omitempty"`
	Items        []Item `json:"items"`
}

// Queue is a FIFO admission queue drained by a single worker.
type Queue struct {
	page   PageSource
	runner Runner
	opts   Options

	mu      sync.Mutex
	pending *list.List
	elems   map[string]*list.Element
	active  *Entry
	closed  bool

	lastEnd    time.Time
	lastStream bool

	signal  chan struct{}
	running atomic.Bool
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a queue. Call Run to start the worker.
func New(page PageSource, runner Runner, opts Options) *Queue {
	return &Queue{
		page:    page,
		runner:  runner,
		opts:    opts,
		pending: list.New(),
		elems:   make(map[string]*list.Element),
		signal:  make(chan struct{}, 1),
		now:     time.Now,
		logger:  slog.Default().With("component", "queue"),
	}
}

// NewID returns a fresh request id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Enqueue admits req and returns its entry. It never blocks.
func (q *Queue) Enqueue(req *acquire.Request) (*Entry, error) {
	if req.ID == "" {
		req.ID = NewID()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := q.elems[req.ID]; dup || (q.active != nil && q.active.ID() == req.ID) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	if q.opts.MaxDepth > 0 && q.pending.Len() >= q.opts.MaxDepth {
		depth := q.pending.Len()
		q.mu.Unlock()
		q.logger.Warn("queue.full", "req_id", req.ID, "depth", depth)
		return nil, ErrQueueFull
	}
	e := newEntry(req, q.now())
	q.elems[req.ID] = q.pending.PushBack(e)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.wake()
	q.observeDepth(depth)
	q.logger.Info("queue.enqueue", "req_id", req.ID, "position", depth, "stream", req.Stream, "model", req.Model)
	return e, nil
}

// Cancel cancels a queued or active request on behalf of an API caller.
func (q *Queue) Cancel(id string) bool {
	return q.CancelWithReason(id, ReasonAPI)
}

// CancelWithReason cancels a queued or active request. A queued request is
// removed at once; an active one is cancelled cooperatively. It returns false
// for unknown, finished or already cancelled requests.
func (q *Queue) CancelWithReason(id, reason string) bool {
	q.mu.Lock()
	if el, ok := q.elems[id]; ok {
		e := el.Value.(*Entry)
		if !e.requestCancel(reason) {
			q.mu.Unlock()
			return false
		}
		q.pending.Remove(el)
		delete(q.elems, id)
		depth := q.pending.Len()
		q.mu.Unlock()

		q.observeDepth(depth)
		q.logger.Info("queue.cancel", "req_id", id, "state", StateQueued, "reason", reason)
		q.finishCancelled(e)
		return true
	}
	e := q.active
	q.mu.Unlock()

	if e == nil || e.ID() != id {
		q.logger.Debug("queue.cancel.unknown", "req_id", id, "reason", reason)
		return false
	}
	if !e.requestCancel(reason) {
		return false
	}
	q.logger.Info("queue.cancel", "req_id", id, "state", e.State(), "reason", reason)
	return true
}

// Status returns an ordered snapshot of the active and queued requests.
func (q *Queue) Status() Snapshot {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{QueueLength: q.pending.Len(), Items: []Item{}}
	if q.active != nil {
		snap.IsProcessing = true
		snap.ActiveID = q.active.ID()
		snap.Items = append(snap.Items, q.active.snapshot(0, now))
	}
	pos := 1
	for el := q.pending.Front(); el != nil; el = el.Next() {
		snap.Items = append(snap.Items, el.Value.(*Entry).snapshot(pos, now))
		pos++
	}
	return snap
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Running reports whether the worker loop is alive.
func (q *Queue) Running() bool { return q.running.Load() }

// Close rejects further requests and cancels everything still waiting.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	var waiting []*Entry
	for el := q.pending.Front(); el != nil; el = el.Next() {
		waiting = append(waiting, el.Value.(*Entry))
	}
	q.pending.Init()
	clear(q.elems)
	q.mu.Unlock()

	for _, e := range waiting {
		e.requestCancel(ReasonShutdown)
		q.finishCancelled(e)
	}
	q.observeDepth(0)
}

// Run is the worker loop. It returns when ctx is done.
func (q *Queue) Run(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	defer q.running.Store(false)
	q.logger.Info("queue.worker.started")
	defer q.logger.Info("queue.worker.stopped")

	for {
		e, ok := q.next(ctx)
		if !ok {
			return
		}
		q.process(ctx, e)
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next pops the head entry and marks it active under the same lock, so a
// concurrent cancel sees it either queued or active.
func (q *Queue) next(ctx context.Context) (*Entry, bool) {
	for {
		q.mu.Lock()
		if front := q.pending.Front(); front != nil {
			e := q.pending.Remove(front).(*Entry)
			delete(q.elems, e.ID())
			q.active = e
			depth := q.pending.Len()
			q.mu.Unlock()
			q.observeDepth(depth)
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *Queue) process(ctx context.Context, e *Entry) {
	defer q.clearActive(e)
	log := q.logger.With("req_id", e.ID())

	if e.Cancelled() {
		log.Info("queue.skip_cancelled", "reason", e.CancelReason())
		q.finishCancelled(e)
		return
	}

	q.pace(ctx, e)
	if ctx.Err() != nil {
		e.requestCancel(ReasonShutdown)
	}
	if e.Cancelled() {
		log.Info("queue.skip_cancelled", "reason", e.CancelReason())
		q.finishCancelled(e)
		return
	}

	sess, err := q.page.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.requestCancel(ReasonShutdown)
			q.finishCancelled(e)
			return
		}
		log.Error("queue.page.unavailable", "error", err)
		_ = e.emit(stream.TerminalError("browser page unavailable: " + err.Error()))
		e.finish(StateFailed, acquire.Result{State: acquire.StateFailed, Err: err})
		q.record(e)
		return
	}
	defer sess.Release()

	e.advance(StateActive)
	log.Info("queue.activate", "waited", q.now().Sub(e.EnqueuedAt).Round(time.Millisecond), "stream", e.Request.Stream)

	runCtx, cancel := context.WithCancel(e.ctx)
	stop := context.AfterFunc(ctx, func() {
		e.requestCancel(ReasonShutdown)
		cancel()
	})
	res := q.runner.Run(runCtx, sess, e.Request, func(d stream.Delta) error {
		if d.IsOutput() {
			e.advance(StateStreaming)
		}
		return e.emit(d)
	})
	stop()
	cancel()

	q.cleanup(sess, log)

	q.mu.Lock()
	q.lastEnd = q.now()
	q.lastStream = e.Request.Stream
	q.mu.Unlock()

	e.finish(finalState(res.State), res)
	log.Info("queue.finished", "state", e.State(), "attempts", acquire.FormatAttempts(res.Attempts))
	q.record(e)
}

func finalState(s acquire.State) State {
	switch s {
	case acquire.StateCompleted:
		return StateCompleted
	case acquire.StateCancelled:
		return StateCancelled
	}
	return StateFailed
}

func (q *Queue) clearActive(e *Entry) {
	q.mu.Lock()
	if q.active == e {
		q.active = nil
	}
	q.mu.Unlock()
}

// pace spaces consecutive streaming requests by StreamPacing, never waiting
// less than minPacing once a wait is needed.
func (q *Queue) pace(ctx context.Context, e *Entry) {
	pacing := q.opts.StreamPacing
	if !e.Request.Stream || pacing <= 0 {
		return
	}
	q.mu.Lock()
	last, wasStream := q.lastEnd, q.lastStream
	q.mu.Unlock()
	if !wasStream || last.IsZero() {
		return
	}
	since := q.now().Sub(last)
	if since >= pacing {
		return
	}
	wait := max(pacing-since, min(minPacing, pacing))
	q.logger.Debug("queue.pacing", "req_id", e.ID(), "wait", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-e.ctx.Done():
	}
}

// cleanup stops any generation still running on the page and clears the
// conversation unless continuous chat is enabled.
func (q *Queue) cleanup(sess *browser.Session, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		log.Debug("queue.cleanup.stop_failed", "error", err)
	}
	if q.opts.ContinuousChat {
		return
	}
	if err := sess.ClearChat(ctx); err != nil {
		log.Warn("queue.cleanup.clear_failed", "error", err)
	}
}

// finishCancelled closes out an entry that never reached a tier. A live
// reader still gets a clean stop.
func (q *Queue) finishCancelled(e *Entry) {
	select {
	case e.deltas <- stream.Terminal(stream.FinishStop):
	default:
	}
	e.finish(StateCancelled, acquire.Result{State: acquire.StateCancelled})
	q.record(e)
}

func (q *Queue) record(e *Entry) {
	finished := q.now()
	res := e.Result()
	state := e.State()

	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()
	if started.IsZero() {
		started = finished
	}

	if q.opts.Observer != nil {
		q.opts.Observer.ObserveRequest(string(state), started.Sub(e.EnqueuedAt), finished.Sub(e.EnqueuedAt))
	}
	if q.opts.History == nil {
		return
	}
	rec := history.Record{
		ReqID:      e.ID(),
		Model:      e.Request.Model,
		Stream:     e.Request.Stream,
		State:      string(state),
		Attempts:   res.Attempts,
		EnqueuedAt: e.EnqueuedAt,
		FinishedAt: finished,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	} else if reason := e.CancelReason(); reason != "" {
		rec.Error = "cancelled: " + reason
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := q.opts.History.Add(ctx, rec); err != nil {
		q.logger.Warn("queue.history.failed", "req_id", e.ID(), "error", err)
	}
}

func (q *Queue) observeDepth(n int) {
	if q.opts.Observer != nil {
		q.opts.Observer.ObserveQueueDepth(n)
	}
}
