package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/metrics"
)

type RouterConfig struct {
	Service   *appointment.Service
	PgPool    *pgxpool.Pool         // nil with the memory store
	Redis     redis.UniversalClient // nil when locking is off
	Metrics   *metrics.Metrics      // nil disables /metrics
	Logger    zerolog.Logger
	JWTSecret []byte
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	h := &handlers{svc: cfg.Service, log: cfg.Logger}

	// public: patients browse before signing in, the gateway signs its callbacks
	r.Get("/practitioners/{id}/availability", h.getAvailability)
	r.Post("/payments/callback", h.paymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Get("/practitioners/{id}/availability/config", h.getAvailabilityConfig)
		r.Put("/practitioners/{id}/availability", h.putAvailability)

		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments", h.listAppointments)
		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Get("/", h.getAppointment)
			r.Get("/joinable", h.joinable)
			r.Post("/confirm", h.transitionHandler(h.confirm))
			r.Post("/complete", h.transitionHandler(h.complete))
			r.Post("/no-show", h.transitionHandler(h.noShow))
			r.Post("/cancel", h.cancelAppointment)
			r.Post("/reschedule", h.rescheduleAppointment)
			r.Post("/payment-orders", h.createPaymentOrder)
		})
	})

	return r
}
