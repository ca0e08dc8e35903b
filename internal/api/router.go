package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Conversations Conversations
	Dependencies  []Dependency
	Logger        *slog.Logger
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/messages", webhookHandler(cfg.Conversations, logger))

	r.Route("/contacts/{contactID}", func(r chi.Router) {
		r.Get("/state", contactStateHandler(cfg.Conversations))
		r.Post("/resume", resumeHandler(cfg.Conversations))
	})

	return r
}
