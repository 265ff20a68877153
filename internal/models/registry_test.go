package models

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/n0madic/go-studioproxy/internal/browser"
)

type stubLister struct {
	mu     sync.Mutex
	models []browser.Model
	err    error
	calls  int
}

func (s *stubLister) Models(context.Context) ([]browser.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.models, s.err
}

func (s *stubLister) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRegistryFiltersExcluded(t *testing.T) {
	l := &stubLister{models: []browser.Model{{ID: "a"}, {ID: "hidden"}, {ID: ""}, {ID: "b"}}}
	r := NewRegistry(l, "fallback", []string{" hidden "})

	list := r.List()
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("List: got %+v", list)
	}
	if list.Data[0].ID != "a" || list.Data[1].ID != "b" || list.Data[0].OwnedBy != OwnedBy {
		t.Fatalf("List data: got %+v", list.Data)
	}
}

func TestRegistryFallback(t *testing.T) {
	l := &stubLister{err: errors.New("page gone")}
	r := NewRegistry(l, "studio-proxy", nil)
	got := r.GetModels()
	if len(got) != 1 || got[0].ID != "studio-proxy" {
		t.Fatalf("GetModels: got %+v, want fallback", got)
	}

	none := NewRegistry(nil, "", nil)
	if got := none.GetModels(); len(got) != 0 {
		t.Fatalf("GetModels without fallback: got %+v", got)
	}
}

func TestRegistryCachesUntilStale(t *testing.T) {
	l := &stubLister{models: []browser.Model{{ID: "a"}}}
	r := NewRegistry(l, "", nil)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	r.GetModels()
	r.GetModels()
	if l.callCount() != 1 {
		t.Fatalf("fetches within TTL: got %d, want 1", l.callCount())
	}

	clock = clock.Add(cacheTTL + time.Second)
	r.GetModels()
	deadline := time.Now().Add(2 * time.Second)
	for l.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.callCount() != 2 {
		t.Fatalf("fetches after TTL: got %d, want 2", l.callCount())
	}
}

func TestRegistryRefreshKeepsLastGoodList(t *testing.T) {
	l := &stubLister{models: []browser.Model{{ID: "a"}}}
	r := NewRegistry(l, "fb", nil)
	if _, err := r.Refresh(); err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	l.err = errors.New("boom")
	l.mu.Unlock()
	got, err := r.Refresh()
	if err == nil || len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("Refresh after failure: got %+v, %v", got, err)
	}
}
