package httpapi

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/metrics"
	"github.com/operato/modrunner/internal/registry"
	"github.com/operato/modrunner/internal/storage"
	"github.com/operato/modrunner/pkg/logger"
)

// Service exposes the HTTP API as a managed server.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// Options wires the handler's collaborators.
type Options struct {
	Registry  *registry.Service
	Runner    Runner
	Logs      storage.LogStore
	Auth      *auth.Manager
	Tokens    []string
	RateRPS   float64
	RateBurst int
}

// NewService builds the middleware chain: auth sees real requests, CORS
// short-circuits preflight before auth, metrics wraps the final handler.
func NewService(addr string, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}

	var limiter *rate.Limiter
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateRPS * 2)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateRPS), burst)
	}

	handler := NewHandler(opts.Registry, opts.Runner, opts.Logs, opts.Auth, limiter, log)
	handler = wrapWithAuth(handler, opts.Tokens, opts.Auth, log)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

// Handler exposes the composed handler, mainly for tests.
func (s *Service) Handler() http.Handler { return s.handler }

// Start begins serving in the background.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // must outlive the execution timeout
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

// Stop drains and shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from dashboards and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
