// Package proxy serves the OpenAI-compatible HTTP surface on top of the
// admission queue.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/auth"
	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/config"
	"github.com/n0madic/go-studioproxy/internal/history"
	"github.com/n0madic/go-studioproxy/internal/metrics"
	"github.com/n0madic/go-studioproxy/internal/models"
	"github.com/n0madic/go-studioproxy/internal/monitor"
	"github.com/n0madic/go-studioproxy/internal/queue"
	"github.com/n0madic/go-studioproxy/internal/upstream"
)

const unauthorizedMessage = "Invalid or missing API key"

// Options overrides collaborators that New would otherwise build from the
// configuration.
type Options struct {
	// Controller replaces the HTTP page controller client.
	Controller browser.PageController
	// Tiers replaces the default relay, helper, browser cascade.
	Tiers []acquire.Tier
	// Keys enables API key checks on /v1/ routes.
	Keys *auth.KeyStore
	// History replaces the store opened from HistoryDB.
	History history.Store
	// Registry receives the Prometheus collectors.
	Registry *prometheus.Registry
}

// Server is the main proxy HTTP server.
type Server struct {
	Config       *config.ServerConfig
	httpServer   *http.Server
	handler      http.Handler
	page         *browser.Page
	orchestrator *acquire.Orchestrator
	queue        *queue.Queue
	sweeper      *queue.Sweeper
	monitor      *monitor.Monitor
	Registry     *models.Registry
	gate         *auth.Gate
	history      history.Store
	metrics      *metrics.Collector
	debugDumpMu  sync.Mutex
	cancelWorker context.CancelFunc
	workerDone   chan struct{}
	closeOnce    sync.Once
}

// New builds the proxy and starts the queue worker.
func New(cfg *config.ServerConfig, opts Options) (*Server, error) {
	ctrl := opts.Controller
	if ctrl == nil && cfg.PageControllerURL != "" {
		ctrl = browser.NewClient(cfg.PageControllerURL, cfg.Verbose)
	}
	page := browser.NewPage(ctrl)

	tiers := opts.Tiers
	if tiers == nil {
		tiers = defaultTiers(cfg)
	}

	s := &Server{
		Config:     cfg,
		page:       page,
		gate:       &auth.Gate{Keys: opts.Keys},
		workerDone: make(chan struct{}),
	}

	var (
		queueObserver   queue.Observer
		attemptObserver acquire.Observer
	)
	if cfg.MetricsEnabled {
		s.metrics = metrics.NewCollector(opts.Registry)
		queueObserver, attemptObserver = s.metrics, s.metrics
	}
	s.orchestrator = acquire.NewOrchestrator(tiers, attemptObserver)

	s.history = opts.History
	if s.history == nil {
		store, err := history.Open(cfg.HistoryDB, cfg.HistorySize)
		if err != nil {
			return nil, fmt.Errorf("failed to open request history: %w", err)
		}
		s.history = store
	}

	s.queue = queue.New(page, s.orchestrator, queue.Options{
		MaxDepth:       cfg.QueueMaxDepth,
		StreamPacing:   cfg.StreamPacing,
		ContinuousChat: cfg.ContinuousChat,
		Observer:       queueObserver,
		History:        s.history,
	})
	s.monitor = monitor.New(s.queue)
	if s.metrics != nil {
		s.monitor.OnDisconnect(s.metrics.IncDisconnect)
	}
	s.Registry = models.NewRegistry(page, cfg.ModelName, cfg.ExcludedModels)

	s.sweeper = queue.NewSweeper(s.queue, cfg.QueueMaxWait)
	if err := s.sweeper.Start(); err != nil {
		s.history.Close()
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancelWorker = cancel
	go func() {
		defer close(s.workerDone)
		s.queue.Run(workerCtx)
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/queue", s.handleQueueStatus)
	mux.HandleFunc("POST /v1/cancel/{req_id}", s.handleCancel)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("OPTIONS /", s.handleOptions)

	s.handler = s.corsMiddleware(s.authMiddleware(s.verboseMiddleware(s.debugMiddleware(mux))))

	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.handler,
		// ReadTimeout covers only reading the request body.
		ReadTimeout: 30 * time.Second,
		// Responses can wait in the queue before the completion timeout
		// starts, so no WriteTimeout is set.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

func defaultTiers(cfg *config.ServerConfig) []acquire.Tier {
	t := acquire.Timeouts{Silence: cfg.SilenceTimeout, Completion: cfg.CompletionTimeout}
	helper := upstream.NewClient(cfg.HelperEndpoint, cfg.HelperSAPISID, cfg.HelperToken, cfg.Verbose, cfg.Debug)
	return []acquire.Tier{
		acquire.NewRelayTier(cfg.RelayURL, t),
		acquire.NewHelperTier(helper, t),
		acquire.NewBrowserTier(t, cfg.PollInterval, cfg.StablePolls),
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown cancels everything queued or active, waits for the worker, then
// stops the HTTP server once the released handlers have answered.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close(ctx)
	return s.httpServer.Shutdown(ctx)
}

// close rejects new requests, stops the worker and closes the history store.
// The store stays open when the worker outlives ctx.
func (s *Server) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.queue.Close()
		s.sweeper.Stop()
		s.cancelWorker()
		select {
		case <-s.workerDone:
		case <-ctx.Done():
			slog.Warn("server.shutdown.worker_timeout")
			return
		}
		if err := s.history.Close(); err != nil {
			slog.Warn("server.shutdown.history_close_failed", "error", err)
		}
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware allows requests from any origin so browser-based clients on
// the local machine can reach the proxy.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Authorization, Content-Type, Accept, X-API-Key"
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !s.gate.IsProtected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.gate.Validate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="studioproxy"`)
			writeErrorCode(w, http.StatusUnauthorized, "invalid_api_key", unauthorizedMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verboseMiddleware(next http.Handler) http.Handler {
	if !s.Config.Verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) debugMiddleware(next http.Handler) http.Handler {
	if s.Config == nil || !s.Config.Debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dump, err := httputil.DumpRequest(r, true)
		if err != nil {
			slog.Error("request.dump.failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			slog.Info("request.dump", "method", r.Method, "path", r.URL.Path)
			s.writeDebugDumpBlock("INBOUND REQUEST", redactAPIKeys(dump))
		}
		next.ServeHTTP(w, r)
	})
}

// redactAPIKeys masks credential headers in a raw request dump.
func redactAPIKeys(dump []byte) []byte {
	lines := strings.SplitAfter(string(dump), "\n")
	for i, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "authorization", "x-api-key":
			eol := ""
			if strings.HasSuffix(value, "\r\n") {
				eol = "\r\n"
			} else if strings.HasSuffix(value, "\n") {
				eol = "\n"
			}
			key := strings.TrimSpace(value)
			if scheme, token, found := strings.Cut(key, " "); found {
				key = scheme + " " + auth.Mask(token)
			} else {
				key = auth.Mask(key)
			}
			lines[i] = name + ": " + key + eol
		}
	}
	return []byte(strings.Join(lines, ""))
}

func (s *Server) writeDebugDumpBlock(title string, data []byte) {
	if s == nil {
		return
	}
	s.debugDumpMu.Lock()
	defer s.debugDumpMu.Unlock()

	header := "===== " + strings.TrimSpace(title) + " BEGIN =====\n"
	footer := "===== " + strings.TrimSpace(title) + " END =====\n"

	if _, err := os.Stderr.WriteString(header); err != nil {
		slog.Error("debug.dump.write.failed", "title", title, "error", err)
		return
	}
	if len(data) > 0 {
		if _, err := os.Stderr.Write(data); err != nil {
			slog.Error("debug.dump.write.failed", "title", title, "error", err)
			return
		}
		if data[len(data)-1] != '\n' {
			if _, err := os.Stderr.WriteString("\n"); err != nil {
				slog.Error("debug.dump.write.failed", "title", title, "error", err)
				return
			}
		}
	}
	if _, err := os.Stderr.WriteString(footer); err != nil {
		slog.Error("debug.dump.write.failed", "title", title, "error", err)
	}
}
