package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/queue"
)

var (
	_ acquire.Observer = (*Collector)(nil)
	_ queue.Observer   = (*Collector)(nil)
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveQueueDepth(3)
	if got := testutil.ToFloat64(c.queueDepth); got != 3 {
		t.Fatalf("queue_depth: got %v, want 3", got)
	}

	c.ObserveAttempt("relay", "Unavailable", 10*time.Millisecond)
	c.ObserveAttempt("relay", "Unavailable", 10*time.Millisecond)
	c.ObserveAttempt("browser", "Success", 2*time.Second)
	if got := testutil.ToFloat64(c.tierAttempts.WithLabelValues("relay", "Unavailable")); got != 2 {
		t.Fatalf("tier_attempts relay/Unavailable: got %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.tierDuration); got != 2 {
		t.Fatalf("tier_attempt_duration series: got %d, want 2", got)
	}

	c.ObserveRequest("completed", time.Second, 3*time.Second)
	c.ObserveRequest("cancelled", 0, 0)
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("requests_total completed: got %v, want 1", got)
	}

	c.IncDisconnect()
	if got := testutil.ToFloat64(c.disconnects); got != 1 {
		t.Fatalf("client_disconnects_total: got %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveQueueDepth(1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "studioproxy_queue_depth 1") {
		t.Fatalf("metrics output missing queue depth:\n%s", body)
	}
}
