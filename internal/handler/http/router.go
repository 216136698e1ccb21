package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaninstein/invitee-bot-2.0/pkg/health"
	"github.com/kaninstein/invitee-bot-2.0/pkg/middleware"
)

// WebhookPath is where the Bot API delivers updates.
const WebhookPath = "/telegram/webhook"

// NewRouter creates a chi router with the health, metrics and webhook
// routes registered.
func NewRouter(
	dispatcher UpdateDispatcher,
	webhookSecret string,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("invitee-bot"))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	webhook := NewWebhookHandler(dispatcher, webhookSecret, logger)
	r.Post(WebhookPath, webhook.Receive)

	return r
}
