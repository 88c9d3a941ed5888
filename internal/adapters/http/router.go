package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

type HTTPMetrics interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

type RouterConfig struct {
	AllowedOrigins []string
	// JWTSecret enables HS256 bearer auth on the escrow endpoints when set.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	Metrics        HTTPMetrics
	MetricsHandler http.Handler
	Ready          func(ctx context.Context) error
}

// Handler is the HTTP adapter entrypoint for escrow use-cases.
type Handler struct {
	service  *application.Service
	verifier ports.WebhookVerifier
	ready    func(ctx context.Context) error
}

func NewHandler(service *application.Service, verifier ports.WebhookVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler.ready = cfg.Ready

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(loggingMiddleware(cfg.Metrics))

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	r.Post("/webhooks/processor", handler.processorWebhook)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0)))
		if auth := newTokenVerifier(cfg.JWTSecret); auth != nil {
			r.Use(authMiddleware(auth))
		}
		r.Post("/create-escrow", handler.createEscrow)
		r.Post("/check-connect-status", handler.checkConnectStatus)
		r.Post("/create-onboarding-link", handler.createOnboardingLink)
		r.Post("/release-payment", handler.releasePayment)
		r.Post("/sync-escrow", handler.syncEscrow)
		r.Get("/bounties/{bountyId}/escrow", handler.escrowState)
	})
	return r
}
