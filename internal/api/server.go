package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pipeline"
	"github.com/relaymux/relaymux/internal/provider/anthropic"
	"github.com/relaymux/relaymux/internal/provider/openai"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/spend"
	"github.com/relaymux/relaymux/internal/statestore"
)

// Options collects the server's collaborators.
type Options struct {
	Config        *config.Config
	Pipeline      *pipeline.Pipeline
	Registry      *registry.Registry
	Limiter       *ratelimit.Limiter
	Authenticator *auth.Authenticator
	AuthStore     auth.Store
	Ledger        spend.Ledger
	StateStore    statestore.Store
	Logger        *observability.Logger
}

// Server is the gateway's HTTP front end.
type Server struct {
	httpServer *http.Server
	store      statestore.Store
	logger     *observability.Logger
}

// New builds the server and its routes.
func New(opts Options) *Server {
	cfg := opts.Config
	h := &handlers{
		pipeline: opts.Pipeline,
		registry: opts.Registry,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
	}
	admin := &adminHandlers{
		store:  opts.AuthStore,
		ledger: opts.Ledger,
		logger: opts.Logger,
	}

	s := &Server{
		store:  opts.StateStore,
		logger: opts.Logger,
	}

	var globalLimiter *rate.Limiter
	if cfg.Server.GlobalRPS > 0 {
		burst := cfg.Server.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.Server.GlobalRPS)
		}
		globalLimiter = rate.NewLimiter(rate.Limit(cfg.Server.GlobalRPS), burst)
	}

	authRequired := opts.Authenticator.Middleware(writeError)
	masterOnly := auth.RequireMaster(writeError)

	mux := http.NewServeMux()

	inference := func(fn http.HandlerFunc) http.Handler {
		return chain(fn, authRequired)
	}
	mux.Handle("POST /v1/chat/completions", inference(h.chatCompletions))
	mux.Handle("POST /v1/completions", inference(h.completions))
	mux.Handle("POST /v1/responses", inference(h.responses))
	mux.Handle("POST /v1/embeddings", inference(h.embeddings))
	mux.Handle("GET /v1/models", inference(h.listModels))

	mux.Handle("/openai/", inference(h.passthrough("openai", openai.DefaultBaseURL, bearerAuth)))
	mux.Handle("/anthropic/", inference(h.passthrough("anthropic", anthropic.DefaultBaseURL, anthropicAuth)))

	adminRoute := func(fn http.HandlerFunc) http.Handler {
		return chain(fn, authRequired, masterOnly)
	}
	mux.Handle("POST /v1/keys", adminRoute(admin.createKey))
	mux.Handle("GET /v1/keys", adminRoute(admin.listKeys))
	mux.Handle("GET /v1/keys/{id}", adminRoute(admin.getKey))
	mux.Handle("POST /v1/keys/{id}", adminRoute(admin.updateKey))
	mux.Handle("DELETE /v1/keys/{id}", adminRoute(admin.deleteKey))
	mux.Handle("GET /v1/keys/{id}/spend", adminRoute(admin.keySpend))
	mux.Handle("POST /v1/teams", adminRoute(admin.createTeam))
	mux.Handle("GET /v1/teams/{id}", adminRoute(admin.getTeam))
	mux.Handle("POST /v1/teams/{id}", adminRoute(admin.updateTeam))

	mux.HandleFunc("GET /health/live", s.healthLive)
	mux.HandleFunc("GET /health/ready", s.healthReady)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	root := chain(mux,
		observability.RequestIDMiddleware,
		globalRateLimit(globalLimiter),
		bodyLimit(cfg.Server.MaxBodyBytes),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthLive reports process liveness.
func (s *Server) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthReady reports readiness, including state store reachability.
func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"state":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
