// Package monitor cancels requests whose client went away.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/n0madic/go-studioproxy/internal/queue"
)

// Canceller cancels admitted requests by id.
type Canceller interface {
	CancelWithReason(id, reason string) bool
}

// Target is a request whose output someone is reading.
type Target interface {
	ID() string
	Detach()
}

// Monitor ties client transports to admitted requests.
type Monitor struct {
	canceller    Canceller
	disconnects  atomic.Int64
	onDisconnect func()
	logger       *slog.Logger
}

// New creates a monitor that cancels through c.
func New(c Canceller) *Monitor {
	return &Monitor{canceller: c, logger: slog.Default().With("component", "monitor")}
}

// OnDisconnect registers fn to run on every detected disconnect.
func (m *Monitor) OnDisconnect(fn func()) { m.onDisconnect = fn }

// Disconnects returns how many client disconnects were detected.
func (m *Monitor) Disconnects() int64 { return m.disconnects.Load() }

// Watch cancels t once ctx (the client's request context) is done. The
// returned stop function ends the watch; it reports false if the disconnect
// already fired.
func (m *Monitor) Watch(ctx context.Context, t Target) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		m.disconnects.Add(1)
		cancelled := m.canceller.CancelWithReason(t.ID(), queue.ReasonDisconnect)
		t.Detach()
		m.logger.Info("monitor.client_disconnected", "req_id", t.ID(), "cancelled", cancelled)
		if m.onDisconnect != nil {
			m.onDisconnect()
		}
	})
}
