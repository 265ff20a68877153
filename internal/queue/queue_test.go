package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/history"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

type pageController struct {
	mu     sync.Mutex
	stops  int
	clears int
}

func (c *pageController) SubmitPrompt(context.Context, string, browser.Params) error {
	return nil
}
func (c *pageController) SwitchModel(context.Context, string) error {
	return nil
}
func (c *pageController) Poll(context.Context) (browser.PollResult, error) {
	return browser.PollResult{}, nil
}
func (c *pageController) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}
func (c *pageController) ClearChat(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}
func (c *pageController) Models(context.Context) ([]browser.Model, error) {
	return nil, nil
}
func (c *pageController) Status(context.Context) (browser.Status, error) {
	return browser.Status{Ready: true}, nil
}
func (c *pageController) Credentials(context.Context) (browser.Credentials, error) {
	return browser.Credentials{}, nil
}

// fakeRunner records activation order and concurrency. Requests whose id is
// in gates block until the gate is closed or the run is cancelled.
type fakeRunner struct {
	mu       sync.Mutex
	order    []string
	starts   map[string]time.Time
	ends     map[string]time.Time
	gates    map[string]chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	page     *browser.Page
	overlap  atomic.Bool
}

func newFakeRunner(page *browser.Page) *fakeRunner {
	return &fakeRunner{
		starts: map[string]time.Time{},
		ends:   map[string]time.Time{},
		gates:  map[string]chan struct{}{},
		page:   page,
	}
}

func (r *fakeRunner) gate(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[id] = ch
	return ch
}

func (r *fakeRunner) Run(ctx context.Context, sess *browser.Session, req *acquire.Request, emit acquire.Emit) acquire.Result {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	if n > r.maxSeen.Load() {
		r.maxSeen.Store(n)
	}
	if !r.page.Held() {
		r.overlap.Store(true)
	}

	r.mu.Lock()
	r.order = append(r.order, req.ID)
	r.starts[req.ID] = time.Now()
	gate := r.gates[req.ID]
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.ends[req.ID] = time.Now()
		r.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			_ = emit(stream.Terminal(stream.FinishStop))
			return acquire.Result{State: acquire.StateCancelled}
		}
	}
	if err := emit(stream.Text("answer " + req.ID)); err != nil {
		return acquire.Result{State: acquire.StateFailed, Err: err}
	}
	_ = emit(stream.Terminal(stream.FinishStop))
	return acquire.Result{
		State:    acquire.StateCompleted,
		Attempts: []acquire.Attempt{{Tier: "relay", Outcome: acquire.OutcomeSuccess}},
	}
}

func (r *fakeRunner) activated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type harness struct {
	q      *Queue
	runner *fakeRunner
	ctrl   *pageController
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctrl := &pageController{}
	page := browser.NewPage(ctrl)
	runner := newFakeRunner(page)
	q := New(page, runner, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{q: q, runner: runner, ctrl: ctrl, cancel: cancel}
}

func drain(t *testing.T, e *Entry) []stream.Delta {
	t.Helper()
	var out []stream.Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-e.Deltas():
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatalf("%s: deltas not closed", e.ID())
		}
	}
}

func waitActive(t *testing.T, q *Queue, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.Status().ActiveID == id {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request %s never became active", id)
}

func enqueue(t *testing.T, q *Queue, id string, streaming bool) *Entry {
	t.Helper()
	e, err := q.Enqueue(&acquire.Request{ID: id, Stream: streaming})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
	return e
}

func TestFIFOSkipsCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")

	a := enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", false)
	c := enqueue(t, h.q, "c", false)
	d := enqueue(t, h.q, "d", false)

	if !h.q.Cancel("c") {
		t.Fatal("Cancel(c) on a queued request should succeed")
	}
	close(gate)

	for _, e := range []*Entry{a, b, c, d} {
		drain(t, e)
	}

	got := fmt.Sprint(h.runner.activated())
	if got != "[a b d]" {
		t.Fatalf("activation order: got %s, want [a b d]", got)
	}
	if c.State() != StateCancelled || c.CancelReason() != ReasonAPI {
		t.Fatalf("c: got %s/%s, want cancelled/api", c.State(), c.CancelReason())
	}
	for _, e := range []*Entry{a, b, d} {
		if e.State() != StateCompleted {
			t.Fatalf("%s: got %s, want completed", e.ID(), e.State())
		}
	}
}

func TestCancelledQueuedEntryGetsCleanStop(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")
	enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", true)

	h.q.Cancel("b")
	deltas := drain(t, b)
	if len(deltas) != 1 || deltas[0].Kind != stream.KindTerminal || deltas[0].Reason != stream.FinishStop {
		t.Fatalf("deltas: got %+v, want one Terminal(Stop)", deltas)
	}
	close(gate)
}

func TestExclusivity(t *testing.T) {
	h := newHarness(t, Options{})
	var entries []*Entry
	for i := 0; i < 30; i++ {
		entries = append(entries, enqueue(t, h.q, fmt.Sprintf("r%02d", i), i%2 == 0))
		if i%7 == 3 {
			h.q.Cancel(fmt.Sprintf("r%02d", i-1))
		}
	}
	for _, e := range entries {
		drain(t, e)
	}
	if got := h.runner.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent active requests: got %d, want 1", got)
	}
	if h.runner.overlap.Load() {
		t.Fatal("a request ran without holding the page")
	}
}

func TestCancelIdempotence(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")
	a := enqueue(t, h.q, "a", true)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", false)

	if !h.q.Cancel("b") {
		t.Fatal("first cancel of queued request: got false, want true")
	}
	if h.q.Cancel("b") {
		t.Fatal("second cancel of queued request: got true, want false")
	}
	drain(t, b)

	if !h.q.Cancel("a") {
		t.Fatal("first cancel of active request: got false, want true")
	}
	if h.q.Cancel("a") {
		t.Fatal("second cancel of active request: got true, want false")
	}
	deltas := drain(t, a)
	if last := deltas[len(deltas)-1]; last.Kind != stream.KindTerminal || last.Reason != stream.FinishStop {
		t.Fatalf("cancelled active request should end with Terminal(Stop), got %+v", last)
	}
	if a.State() != StateCancelled {
		t.Fatalf("a: got %s, want cancelled", a.State())
	}
	if h.q.Cancel("a") {
		t.Fatal("cancel after terminal: got true, want false")
	}
	if h.q.Cancel("unknown") {
		t.Fatal("cancel unknown: got true, want false")
	}
	close(gate)

	// A finished request is never reactivated.
	c := enqueue(t, h.q, "c", false)
	drain(t, c)
	if fmt.Sprint(h.runner.activated()) != "[a c]" {
		t.Fatalf("activation order: got %v, want [a c]", h.runner.activated())
	}
}

func TestQueueFullAndClosed(t *testing.T) {
	h := newHarness(t, Options{MaxDepth: 2})
	gate := h.runner.gate("a")
	enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	enqueue(t, h.q, "b", false)
	enqueue(t, h.q, "c", false)

	if _, err := h.q.Enqueue(&acquire.Request{ID: "d"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over depth: got %v, want ErrQueueFull", err)
	}
	if _, err := h.q.Enqueue(&acquire.Request{ID: "b"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Enqueue duplicate: got %v, want ErrDuplicateID", err)
	}

	h.q.Close()
	if _, err := h.q.Enqueue(&acquire.Request{ID: "e"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close: got %v, want ErrClosed", err)
	}
	if h.q.Len() != 0 {
		t.Fatalf("Len after Close: got %d, want 0", h.q.Len())
	}
	close(gate)
}

func TestWorkerStopCancelsActiveWithShutdownReason(t *testing.T) {
	h := newHarness(t, Options{})
	h.runner.gate("a")
	a := enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", false)

	h.q.Close()
	h.cancel()
	drain(t, a)
	drain(t, b)

	for _, e := range []*Entry{a, b} {
		if e.State() != StateCancelled || e.CancelReason() != ReasonShutdown {
			t.Fatalf("%s: got %s/%s, want cancelled/shutdown", e.ID(), e.State(), e.CancelReason())
		}
	}
	if got := fmt.Sprint(h.runner.activated()); got != "[a]" {
		t.Fatalf("activation order: got %s, want [a]", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")
	enqueue(t, h.q, "a", true)
	waitActive(t, h.q, "a")
	enqueue(t, h.q, "b", false)
	enqueue(t, h.q, "c", true)

	snap := h.q.Status()
	if !snap.IsProcessing || snap.ActiveID != "a" || snap.QueueLength != 2 {
		t.Fatalf("snapshot: got %+v", snap)
	}
	want := []struct {
		id    string
		pos   int
		state State
	}{{"a", 0, StateActive}, {"b", 1, StateQueued}, {"c", 2, StateQueued}}
	if len(snap.Items) != len(want) {
		t.Fatalf("items: got %d, want %d", len(snap.Items), len(want))
	}
	for i, w := range want {
		it := snap.Items[i]
		if it.ReqID != w.id || it.Position != w.pos || it.State != w.state {
			t.Fatalf("item %d: got %s/%d/%s, want %s/%d/%s", i, it.ReqID, it.Position, it.State, w.id, w.pos, w.state)
		}
	}
	if !snap.Items[2].IsStreaming {
		t.Fatal("item c should be streaming")
	}
	close(gate)
}

func TestSweepStale(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")
	a := enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", false)

	if n := h.q.SweepStale(time.Now(), time.Minute); n != 0 {
		t.Fatalf("fresh sweep: got %d, want 0", n)
	}
	if n := h.q.SweepStale(time.Now().Add(time.Hour), time.Minute); n != 1 {
		t.Fatalf("stale sweep: got %d, want 1", n)
	}
	drain(t, b)
	if b.CancelReason() != ReasonStale {
		t.Fatalf("reason: got %q, want %q", b.CancelReason(), ReasonStale)
	}
	if a.Cancelled() {
		t.Fatal("sweep must not touch the active request")
	}
	close(gate)
}

func TestSweeperSchedules(t *testing.T) {
	q := New(browser.NewPage(&pageController{}), nil, Options{})
	s := NewSweeper(q, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries: got %d, want 1", len(s.cron.Entries()))
	}
	s.Stop()

	disabled := NewSweeper(q, 0)
	if err := disabled.Start(); err != nil || disabled.running {
		t.Fatalf("disabled sweeper: running=%v err=%v", disabled.running, err)
	}
}

func TestCleanupAfterRequest(t *testing.T) {
	for _, continuous := range []bool{false, true} {
		t.Run(fmt.Sprintf("continuous=%v", continuous), func(t *testing.T) {
			h := newHarness(t, Options{ContinuousChat: continuous})
			drain(t, enqueue(t, h.q, "a", false))
			drain(t, enqueue(t, h.q, "b", false))

			h.ctrl.mu.Lock()
			stops, clears := h.ctrl.stops, h.ctrl.clears
			h.ctrl.mu.Unlock()
			if stops != 2 {
				t.Fatalf("stops: got %d, want 2", stops)
			}
			wantClears := 2
			if continuous {
				wantClears = 0
			}
			if clears != wantClears {
				t.Fatalf("clears: got %d, want %d", clears, wantClears)
			}
		})
	}
}

func TestStreamPacing(t *testing.T) {
	h := newHarness(t, Options{StreamPacing: 100 * time.Millisecond})
	a := enqueue(t, h.q, "a", true)
	b := enqueue(t, h.q, "b", true)
	drain(t, a)
	drain(t, b)

	h.runner.mu.Lock()
	gap := h.runner.starts["b"].Sub(h.runner.ends["a"])
	h.runner.mu.Unlock()
	if gap < 90*time.Millisecond {
		t.Fatalf("gap between streaming requests: got %v, want >= 100ms", gap)
	}
}

func TestDetachedReaderDoesNotBlockWorker(t *testing.T) {
	h := newHarness(t, Options{})
	gate := h.runner.gate("a")
	a := enqueue(t, h.q, "a", true)
	waitActive(t, h.q, "a")
	for i := 0; i < deltaBuffer; i++ {
		if err := a.emit(stream.Text("x")); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	a.Detach()
	if err := a.emit(stream.Text("y")); !errors.Is(err, errDetached) {
		t.Fatalf("emit after detach: got %v, want errDetached", err)
	}
	close(gate)

	b := enqueue(t, h.q, "b", false)
	drain(t, b)
	if b.State() != StateCompleted {
		t.Fatalf("b: got %s, want completed", b.State())
	}
	if a.State() != StateFailed {
		t.Fatalf("a: got %s, want failed", a.State())
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	depths []int
	states []string
}

func (o *recordingObserver) ObserveQueueDepth(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, n)
}

func (o *recordingObserver) ObserveRequest(state string, wait, total time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func TestObserverAndHistory(t *testing.T) {
	obs := &recordingObserver{}
	hist := history.NewMemory(10)
	h := newHarness(t, Options{Observer: obs, History: hist})
	gate := h.runner.gate("a")
	a := enqueue(t, h.q, "a", false)
	waitActive(t, h.q, "a")
	b := enqueue(t, h.q, "b", false)
	h.q.Cancel("b")
	close(gate)
	drain(t, a)
	drain(t, b)

	// Records are written right after the delta channel closes.
	deadline := time.Now().Add(2 * time.Second)
	for hist.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	recs, _ := hist.Recent(context.Background(), 0)
	if len(recs) != 2 {
		t.Fatalf("history: got %d records, want 2", len(recs))
	}
	byID := map[string]history.Record{}
	for _, r := range recs {
		byID[r.ReqID] = r
	}
	if byID["a"].State != "completed" || acquire.FormatAttempts(byID["a"].Attempts) != "[relay: Success]" {
		t.Fatalf("record a: got %+v", byID["a"])
	}
	if byID["b"].State != "cancelled" || byID["b"].Error != "cancelled: api" {
		t.Fatalf("record b: got %+v", byID["b"])
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.states) != 2 || len(obs.depths) == 0 {
		t.Fatalf("observer: states=%v depths=%v", obs.states, obs.depths)
	}
}
