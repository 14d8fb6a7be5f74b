package routes

import (
	"net/http"

	"infinite-experiment/warden/internal/api"
	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rateLimitBurst is the per-IP burst on top of RATE_LIMIT_PER_SECOND
const rateLimitBurst = 5

// RegisterRoutes builds the admin HTTP API. metricsReg must be registered
// with gatherer so that /metrics exposes it.
func RegisterRoutes(cfg config.Config, deps *api.Dependencies, metricsReg *metrics.MetricsRegistry, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// global middleware
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.MetricsMiddleware(metricsReg))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:8081"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	handlers := api.NewHandlers(deps)

	r.Get("/healthCheck", handlers.HealthCheck())
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, rateLimitBurst)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(limiter.Middleware)
		v1.Use(middleware.AuthMiddleware(cfg.AdminJWTSecret))

		v1.Get("/guilds/{guildID}/mutes", handlers.GuildMutes())
		v1.Get("/guilds/{guildID}/verifications", handlers.GuildVerifications())

		v1.Group(func(admin chi.Router) {
			admin.Use(middleware.IsAdminMiddleware())
			admin.Get("/admin/jobs/status", handlers.JobStatus())
			admin.Post("/admin/jobs/{job}", handlers.TriggerJob())
		})
	})

	logging.Info("Router initialized", "rate_limit_per_second", cfg.RateLimitPerSecond)
	return r
}
