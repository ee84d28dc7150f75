package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/config"
	"execjs-bridge/internal/monitor"
	"execjs-bridge/internal/storage"
)

// Server is the main HTTP server for the evaluation API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	backend    bridge.Backend
	store      EvaluationStore
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db may be nil when no database is configured.
func NewServer(cfg *config.Config, backend bridge.Backend, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	var store EvaluationStore
	if db != nil {
		store = db
	}
	handlers := NewHandlers(backend, store, auditWriter, metrics, cfg.Security.DetectSource)

	s := &Server{
		handlers:  handlers,
		backend:   backend,
		store:     store,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(metrics *monitor.Metrics) http.Handler {
	h := s.handlers

	// Evaluation API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /eval", h.HandleEval)
	apiMux.HandleFunc("POST /exec", h.HandleExec)
	apiMux.HandleFunc("POST /call", h.HandleCall)
	apiMux.HandleFunc("GET /runtimes", h.HandleRuntimes)
	apiMux.HandleFunc("GET /evaluations", h.HandleListEvaluations)
	apiMux.HandleFunc("GET /evaluations/{id}", h.HandleGetEvaluation)

	authedAPI := AuthMiddleware(s.cfg.Security.APIKeyHeader, s.cfg.Security.AllowedKeys, s.cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(s.cfg.Security.RateLimitRPS, s.cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store == nil || s.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	runtimeOK := false
	if s.backend != nil {
		if infos, err := s.backend.Runtimes(r.Context()); err == nil {
			for _, info := range infos {
				if info.Default {
					resp.DefaultRuntime = info.Name
					runtimeOK = info.Installed
				}
			}
		}
	}

	if !dbOK || !runtimeOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
