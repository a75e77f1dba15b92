package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"convert-service/internal/auth"
	"convert-service/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(
	convertHandler *ConvertHandler,
	healthHandler *HealthHandler,
	authenticator auth.Authenticator,
	metricsHandler http.Handler,
	serverCfg config.ServerConfig,
	logger *zap.Logger,
) chi.Router {
	router := chi.NewRouter()

	if serverCfg.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   serverCfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler.Health)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	router.Group(func(r chi.Router) {
		r.Use(RequireAuth(authenticator, logger))
		r.Post("/convert", convertHandler.Convert)
		r.Post("/api/convert", convertHandler.Convert)
		r.Get("/usage", convertHandler.Usage)
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusNotFound, ErrorResponse{Error: "endpoint not found"})
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})

	return router
}
