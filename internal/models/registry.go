// Package models caches the model list reported by the browser page.
package models

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/types"
)

// cacheTTL is how long to cache the page's model list before background refresh.
const cacheTTL = 5 * time.Minute

const fetchTimeout = 10 * time.Second

// OwnedBy is reported for every listed model.
const OwnedBy = "studioproxy"

// Lister reports the models the page can switch to.
type Lister interface {
	Models(ctx context.Context) ([]browser.Model, error)
}

// Registry caches the page model list.
type Registry struct {
	mu        sync.RWMutex
	fetchMu   sync.Mutex // prevents concurrent fetches
	lister    Lister
	fallback  string
	excluded  map[string]bool
	models    []browser.Model
	lastFetch time.Time
	now       func() time.Time
}

// NewRegistry creates a registry. fallback is listed when the page reports
// nothing; excluded ids are never listed.
func NewRegistry(lister Lister, fallback string, excluded []string) *Registry {
	ex := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		ex[strings.TrimSpace(id)] = true
	}
	return &Registry{lister: lister, fallback: fallback, excluded: ex, now: time.Now}
}

// GetModels returns the cached model list, refreshing if needed. The first
// call blocks to fetch; a stale cache is refreshed in the background while the
// cached value is returned immediately.
func (r *Registry) GetModels() []browser.Model {
	r.mu.RLock()
	age := r.now().Sub(r.lastFetch)
	cached := r.models
	r.mu.RUnlock()

	if len(cached) == 0 {
		r.fetchMu.Lock()
		r.mu.RLock()
		cached = r.models
		r.mu.RUnlock()
		if len(cached) == 0 {
			if err := r.doFetch(); err != nil {
				slog.Warn("models.fetch.failed", "error", err)
			}
			r.mu.RLock()
			cached = r.models
			r.mu.RUnlock()
		}
		r.fetchMu.Unlock()

		if len(cached) == 0 {
			return r.fallbackList()
		}
		return cached
	}

	if age >= cacheTTL {
		go func() {
			if !r.fetchMu.TryLock() {
				return
			}
			defer r.fetchMu.Unlock()
			if err := r.doFetch(); err != nil {
				slog.Warn("models.refresh.failed", "error", err)
			}
		}()
	}
	return cached
}

// Refresh forces a synchronous fetch.
func (r *Registry) Refresh() ([]browser.Model, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	err := r.doFetch()
	r.mu.RLock()
	result := r.models
	r.mu.RUnlock()
	if len(result) == 0 {
		return r.fallbackList(), err
	}
	return result, err
}

// List renders the models for GET /v1/models.
func (r *Registry) List() types.ModelList {
	ms := r.GetModels()
	out := types.ModelList{Object: "list", Data: make([]types.ModelObject, 0, len(ms))}
	for _, m := range ms {
		out.Data = append(out.Data, types.ModelObject{ID: m.ID, Object: "model", OwnedBy: OwnedBy})
	}
	return out
}

func (r *Registry) doFetch() error {
	if r.lister == nil {
		return browser.ErrNoPage
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	ms, err := r.lister.Models(ctx)
	if err != nil {
		return err
	}
	filtered := slices.DeleteFunc(slices.Clone(ms), func(m browser.Model) bool {
		return m.ID == "" || r.excluded[m.ID]
	})

	r.mu.Lock()
	r.lastFetch = r.now()
	if len(filtered) > 0 {
		r.models = filtered
	}
	r.mu.Unlock()
	slog.Debug("models.fetched", "count", len(filtered), "excluded", len(ms)-len(filtered))
	return nil
}

func (r *Registry) fallbackList() []browser.Model {
	if r.fallback == "" {
		return nil
	}
	return []browser.Model{{ID: r.fallback, DisplayName: r.fallback}}
}
