package server

import (
	"context"
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/appid"
	"github.com/namelens/aoaisim/internal/server/handlers"
	servermw "github.com/namelens/aoaisim/internal/server/middleware"
)

// simulatedMethods are routed to the simulator when no other route matches.
var simulatedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	s.registerAdminEndpoint()

	control := handlers.NewControl(s.sim, s.logger)
	s.router.Get("/", control.Root)
	s.router.Group(func(r chi.Router) {
		r.Use(servermw.APIKey(func() string { return s.sim.Config().SimulatorAPIKey }))
		r.Post("/++/save-recordings", control.SaveRecordings)
		r.Get("/++/config", control.GetConfig)
		r.Patch("/++/config", control.PatchConfig)
		r.Get("/++/config/schema", control.ConfigSchema)
	})

	for _, method := range simulatedMethods {
		s.router.Method(method, "/*", s.sim)
	}
}

// registerAdminEndpoint enables POST /admin/signal when AOAISIM_ADMIN_TOKEN
// is set, so a SIGHUP reload can be triggered remotely.
func (s *Server) registerAdminEndpoint() {
	envPrefix := appid.EnvPrefix
	if identity, err := appid.Get(context.Background()); err == nil && identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	if adminToken == "" {
		s.logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	s.logger.Info("Admin signal endpoint enabled",
		zap.String("path", "/admin/signal"),
		zap.String("rate_limit", "10/min, burst 5"))
}
