// Package rendezvous implements the sship rendezvous server. It maps code
// fingerprints to sender addresses and never sees file data.
package rendezvous

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SpatiumPortae/sship/internal/cache"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/logger"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/SpatiumPortae/sship/templates"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// MaxTTL caps the lifetime requested for an advertisement.
	MaxTTL = 10 * time.Minute
	// MaxResolveTimeout caps how long a resolve request may wait.
	MaxResolveTimeout = 2 * time.Minute
)

// Server is contains the necessary data to run the rendezvous server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	registry   *discovery.Registry
	cache      cache.Storage
	templates  templates.Templates
	signal     chan os.Signal
	logger     *zap.Logger
	version    *semver.Version
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer constructs a new Server struct and setups the routes.
func NewServer(port int, version semver.Version, opts ...Option) *Server {
	router := &mux.Router{}
	s := &Server{
		router:  router,
		cache:   cache.NewMemory(),
		signal:  make(chan os.Signal, 1),
		logger:  logger.New(),
		version: &version,
	}
	for _, opt := range opts {
		opt(s)
	}
	tmpl, err := templates.New()
	if err != nil {
		s.logger.Error("parsing templates, the landing page is unavailable", zap.Error(err))
	}
	s.templates = tmpl
	s.registry = discovery.NewRegistry(s.logger.With(zap.String("component", "registry")))
	stdLoggerWrapper, _ := zap.NewStdLogAt(s.logger, zap.ErrorLevel)
	// Advertisements hold their websocket open for their whole lifetime, so
	// only the request header is bounded.
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           router,
		ErrorLog:          stdLoggerWrapper,
	}
	s.routes()
	return s
}

// Handler returns the http handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the registry holding the live advertisements.
func (s *Server) Registry() *discovery.Registry {
	return s.registry
}

// Start runs the rendezvous server until ctx is done or the process is signaled.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signal.Notify(s.signal, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(s.signal)

	go func() {
		select {
		case <-s.signal:
			s.logger.Info("sship rendezvous server is shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := serve(ctx, s); err != nil {
		s.logger.Error("serving sship rendezvous server", zap.Error(err), zap.Stack("stack_trace"))
		return err
	}
	return nil
}

// serve is a helper function providing graceful shutdown of the server.
func serve(ctx context.Context, s *Server) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	s.logger.
		With(zap.String("version", s.version.String())).
		With(zap.String("address", s.httpServer.Addr)).
		Info("serving rendezvous server")

	select {
	case err := <-errC:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctxShutdown); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("shutting down rendezvous server: %w", err)
	}
	s.logger.Info("sship rendezvous server shutdown successfully")
	return nil
}
