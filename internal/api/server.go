package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
	"coderunner/internal/monitor"
)

// HealthChecks reports on the collaborators /health covers. A nil check
// counts as healthy.
type HealthChecks struct {
	Backend  string
	Runtime  func(ctx context.Context) bool
	Database func(ctx context.Context) bool
}

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	health     HealthChecks
	cfg        *config.Config
	startTime  time.Time
	stop       context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, svc Service, health HealthChecks, metrics *monitor.Metrics) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		handlers:  NewHandlers(svc, metrics),
		health:    health,
		cfg:       cfg,
		startTime: time.Now(),
		stop:      stop,
	}

	if len(cfg.Policy.AllowedKeys) == 0 {
		if cfg.Policy.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured; allow_unauthenticated is true, all requests run as anonymous")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false; all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", s.handlers.HandleExecute)
	apiMux.HandleFunc("POST /executions", s.handlers.HandleSubmit)
	apiMux.HandleFunc("GET /executions", s.handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", s.handlers.HandleGetExecution)
	apiMux.HandleFunc("GET /languages", s.handlers.HandleLanguages)

	authedAPI := AuthMiddleware(cfg.Policy.AllowedKeys, cfg.Policy.AllowUnauthenticated)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped request handler.
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

	log.Warn().Msg("TLS not enabled; running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runtimeOK := s.health.Runtime == nil || s.health.Runtime(ctx)
	dbOK := s.health.Database == nil || s.health.Database(ctx)

	resp := HealthResponse{
		Status:   "ok",
		Backend:  s.health.Backend,
		Runtime:  runtimeOK,
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !runtimeOK || !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
