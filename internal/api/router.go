package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/core"
	"courseportal.dev/consult/internal/logging"
	"courseportal.dev/consult/internal/metrics"
)

// jsonEscapeFactor is the worst-case growth of a string under encoding/json:
// '<', '>', '&' and control characters become six-byte \u escapes.
const jsonEscapeFactor = 6

// BodyLimit is the largest request body that can still carry a history within
// limits, so oversized content is reported by validation rather than the reader.
func BodyLimit(limits core.Limits) int64 {
	return int64(limits.MaxMessages)*int64(limits.MaxContentBytes)*jsonEscapeFactor + 1<<20
}

type RouterOptions struct {
	Limiter        Limiter
	AllowedOrigins []string
	// MaxBodyBytes defaults to BodyLimit(core.DefaultLimits()).
	MaxBodyBytes   int64
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions, logger zerolog.Logger) http.Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = BodyLimit(core.DefaultLimits())
	}

	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(SecurityHeaders)
	r.Use(MaxBodySize(maxBody))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/ready", apiHandler.ReadyHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Group(func(r chi.Router) {
				if opts.Limiter != nil {
					r.Use(RateLimit(opts.Limiter, logger))
				}
				r.Post("/chat", apiHandler.ChatHandler)
			})

			r.Post("/sessions", apiHandler.CreateSessionHandler)
			r.Get("/sessions", apiHandler.ListSessionsHandler)
			r.Get("/sessions/{sessionID}", apiHandler.GetSessionDetailsHandler)
			r.Post("/sessions/{sessionID}/messages", apiHandler.AppendTurnHandler)
		})
	})

	return r
}
