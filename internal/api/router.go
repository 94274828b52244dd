package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/metrics"
)

type RouterConfig struct {
	Service   Scheduler
	Postgres  PostgresPinger
	Redis     RedisPinger
	Locks     LockChecker
	Logger    zerolog.Logger
	Metrics   *metrics.HTTPMetrics
	Gatherer  prometheus.Gatherer
	JWTSecret string
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Metrics))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Locks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))

		r.Route("/doctors/{id}", func(r chi.Router) {
			r.Get("/slots", listDoctorSlotsHandler(cfg.Service))
			r.Post("/slots", createSlotHandler(cfg.Service))
			r.Post("/slots/recurring", createRecurrenceHandler(cfg.Service))
			r.Post("/slots/shift", shiftSlotsHandler(cfg.Service))
			r.Delete("/recurrences/{rid}", deleteRecurrenceHandler(cfg.Service))
		})

		r.Route("/slots/{id}", func(r chi.Router) {
			r.Patch("/", rescheduleSlotHandler(cfg.Service))
			r.Delete("/", deleteSlotHandler(cfg.Service))
			r.Post("/shrink", shrinkSlotHandler(cfg.Service))
			r.Get("/sub-slots", subSlotsHandler(cfg.Service))
		})

		r.Post("/appointments", createAppointmentHandler(cfg.Service))
		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Delete("/", cancelAppointmentHandler(cfg.Service))
			r.Post("/reschedule", rescheduleAppointmentHandler(cfg.Service))
			r.Post("/confirm", confirmAppointmentHandler(cfg.Service))
			r.Post("/urgency", finalizeUrgencyHandler(cfg.Service))
		})
	})

	return r
}
