// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package api is the engine's HTTP surface: the track endpoint the
// storefront calls from the booking flow, the backup trigger, the
// reconciliation report, alert views and the operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the HTTP middleware settings.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      int // requests per minute per IP, 0 disables
}

// NewRouter assembles the chi router around a handler.
func NewRouter(cfg RouterConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
	}

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversions/track", h.TrackConversion)
		r.Post("/conversions/backup/{bookingID}", h.TriggerBackup)
		r.Get("/reconciliation", h.Reconciliation)
		r.Get("/alerts", h.Alerts)
		r.Get("/attempts/{bookingID}", h.AttemptsByBooking)
	})

	return r
}
