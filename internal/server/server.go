// Package server exposes the simulator over HTTP: the simulated Azure
// endpoints on a catch-all route plus the control, health, version and
// metrics endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	apperrors "github.com/namelens/aoaisim/internal/errors"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/pipeline"
	"github.com/namelens/aoaisim/internal/server/handlers"
	servermw "github.com/namelens/aoaisim/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	sim    *pipeline.Simulator
	logger *logging.Logger
}

// New creates a server routing simulated API traffic to sim.
func New(cfg config.ServerConfig, sim *pipeline.Simulator) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.New(apperrors.CodeMethodNotAllowed, "The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		cfg:    cfg,
		sim:    sim,
		logger: observability.LoggerOr(observability.ServerLogger),
	}

	handlers.SetModeSource(func() string { return sim.Config().SimulatorMode })

	s.registerRoutes()
	return s
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start listens on the configured address. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info("Starting HTTP server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.String("addr", s.server.Addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}
