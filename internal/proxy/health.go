package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/history"
)

const (
	healthCheckTimeout = 3 * time.Second
	healthRecentLimit  = 5
)

type tierHealth struct {
	Name      string `json:"name"`
	Checked   bool   `json:"checked"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type pageHealth struct {
	Ready  bool   `json:"ready"`
	Model  string `json:"model,omitempty"`
	Models int    `json:"models"`
	Error  string `json:"error,omitempty"`
}

type healthDetails struct {
	WorkerRunning bool             `json:"worker_running"`
	QueueLength   int              `json:"queue_length"`
	ActiveID      string           `json:"active_id,omitempty"`
	Page          pageHealth       `json:"page"`
	Tiers         []tierHealth     `json:"tiers"`
	Recent        []history.Record `json:"recent,omitempty"`
}

type healthResponse struct {
	Status   string        `json:"status"`
	Problems []string      `json:"problems,omitempty"`
	Details  healthDetails `json:"details"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	snap := s.queue.Status()
	details := healthDetails{
		WorkerRunning: s.queue.Running(),
		QueueLength:   snap.QueueLength,
		ActiveID:      snap.ActiveID,
		Tiers:         s.checkTiers(ctx),
	}

	var problems []string
	if !details.WorkerRunning {
		problems = append(problems, "queue worker is not running")
	}
	st, err := s.page.Status(ctx)
	switch {
	case err != nil:
		details.Page.Error = err.Error()
		problems = append(problems, "page controller unreachable: "+err.Error())
	case !st.Ready:
		problems = append(problems, "browser page is not ready")
	}
	details.Page.Ready = err == nil && st.Ready
	details.Page.Model = st.Model
	if err == nil {
		// Health checks also refresh the cached model list.
		ms, merr := s.Registry.Refresh()
		if merr != nil {
			details.Page.Error = "model list: " + merr.Error()
		}
		details.Page.Models = len(ms)
	}

	if recent, err := s.history.Recent(ctx, healthRecentLimit); err == nil {
		details.Recent = recent
	}

	if len(problems) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "Error", Problems: problems, Details: details})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "OK", Details: details})
}

// checkTiers checks every tier that can be checked without submitting a prompt.
func (s *Server) checkTiers(ctx context.Context) []tierHealth {
	tiers := s.orchestrator.Tiers()
	out := make([]tierHealth, 0, len(tiers))
	for _, t := range tiers {
		h := tierHealth{Name: t.Name()}
		if p, ok := t.(acquire.Checker); ok {
			h.Checked = true
			if err := p.Check(ctx); err != nil {
				h.Error = err.Error()
			} else {
				h.Reachable = true
			}
		}
		out = append(out, h)
	}
	return out
}
