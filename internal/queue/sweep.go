package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepSchedule is how often waiting requests are checked for staleness.
const SweepSchedule = "@every 10s"

// SweepStale cancels every waiting request enqueued more than maxWait before
// now and returns how many were cancelled. The active request is untouched.
func (q *Queue) SweepStale(now time.Time, maxWait time.Duration) int {
	if maxWait <= 0 {
		return 0
	}
	q.mu.Lock()
	var stale []string
	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if now.Sub(e.EnqueuedAt) > maxWait {
			stale = append(stale, e.ID())
		}
	}
	q.mu.Unlock()

	n := 0
	for _, id := range stale {
		if q.CancelWithReason(id, ReasonStale) {
			n++
		}
	}
	return n
}

// Sweeper runs SweepStale on a cron schedule.
type Sweeper struct {
	queue   *Queue
	maxWait time.Duration
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	logger  *slog.Logger
}

// NewSweeper creates a sweeper for q.
func NewSweeper(q *Queue, maxWait time.Duration) *Sweeper {
	return &Sweeper{
		queue:   q,
		maxWait: maxWait,
		cron:    cron.New(),
		logger:  slog.Default().With("component", "queue.sweeper"),
	}
}

// Start schedules the sweep. A non-positive maxWait disables it.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxWait <= 0 {
		s.logger.Info("queue.sweeper.disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(SweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("failed to schedule queue sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("queue.sweeper.started", "schedule", SweepSchedule, "max_wait", s.maxWait)
	return nil
}

func (s *Sweeper) sweep() {
	if n := s.queue.SweepStale(time.Now(), s.maxWait); n > 0 {
		s.logger.Warn("queue.sweeper.evicted", "count", n, "max_wait", s.maxWait)
	}
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
