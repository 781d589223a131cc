package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/pipeline"
	"safe-code-runner/internal/runtime"
)

// Server is the HTTP front of the runner.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires routes and middleware. executions may be nil when no
// database is configured.
func NewServer(cfg *config.Config, svc *pipeline.Service, runtimes *runtime.Registry, executions ExecutionStore, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(svc, runtimes, executions, metrics, cfg.Security.IdentityHeader)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /v1/validate", handlers.HandleValidate)
	apiMux.HandleFunc("POST /v1/text/validate", handlers.HandleValidateText)
	apiMux.HandleFunc("GET /v1/abuse/stats", handlers.HandleAbuseStats)
	apiMux.HandleFunc("GET /v1/abuse/identities/{id}", handlers.HandleIdentity)
	apiMux.HandleFunc("POST /v1/abuse/sweep", handlers.HandleSweep)
	apiMux.HandleFunc("GET /v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /v1/executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(svc, executions))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(svc.Gate(), config.PolicyAPI, metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthChecker interface {
	Healthy(ctx context.Context) bool
}

func (s *Server) handleHealth(svc *pipeline.Service, executions ExecutionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := true
		if hc, ok := executions.(healthChecker); ok {
			dbOK = hc.Healthy(r.Context())
		}

		resp := HealthResponse{
			Status:           "ok",
			Backend:          svc.Backend().Name(),
			ActiveExecutions: svc.Backend().ActiveCount(),
			Database:         dbOK,
			Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
