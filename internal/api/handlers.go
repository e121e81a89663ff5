// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/backup"
	"github.com/yamakawa-tours/converge/internal/dispatcher"
	"github.com/yamakawa-tours/converge/internal/health"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/models"
	"github.com/yamakawa-tours/converge/internal/reconcile"
)

// Handler carries the HTTP endpoints' collaborators.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	backup     *backup.Service
	reconciler *reconcile.Engine
	alerts     *health.AlertService
	attempts   *attemptlog.Store
}

// NewHandler creates the API handler.
func NewHandler(d *dispatcher.Dispatcher, b *backup.Service, r *reconcile.Engine, a *health.AlertService, log *attemptlog.Store) *Handler {
	return &Handler{
		dispatcher: d,
		backup:     b,
		reconciler: r,
		alerts:     a,
		attempts:   log,
	}
}

// Healthz reports liveness plus the active alert count.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	active := h.alerts.Active()
	status := "ok"
	for _, a := range active {
		if a.Severity == models.SeverityCritical {
			status = "degraded"
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"active_alerts": len(active),
	})
}

// trackRequest is the storefront's track call body.
type trackRequest struct {
	Action          models.Action          `json:"action"`
	Consent         bool                   `json:"consent"`
	BookingID       string                 `json:"booking_id,omitempty"`
	Value           float64                `json:"value,omitempty"`
	Currency        string                 `json:"currency,omitempty"`
	TransactionID   string                 `json:"transaction_id,omitempty"`
	Attribution     models.Attribution     `json:"attribution"`
	UserIdentifiers models.UserIdentifiers `json:"user_identifiers"`
}

// TrackConversion fires the client-path pipeline for one funnel event.
// The response reports delivery outcome but is always 200 for a parsed
// request: tracking failure is not the storefront's error to handle.
func (h *Handler) TrackConversion(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := dispatcher.WithConsent(r.Context(), req.Consent)
	delivered := h.dispatcher.Track(ctx, req.Action, dispatcher.Input{
		BookingID:       req.BookingID,
		Value:           req.Value,
		Currency:        req.Currency,
		TransactionID:   req.TransactionID,
		Attribution:     req.Attribution,
		UserIdentifiers: req.UserIdentifiers,
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"action":    req.Action,
		"delivered": delivered,
	})
}

// TriggerBackup runs the server-side backup path for one booking.
func (h *Handler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	if bookingID == "" {
		respondError(w, http.StatusBadRequest, "booking id is required")
		return
	}

	result := h.backup.ValidateAndConvert(r.Context(), bookingID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, result)
}

// Reconciliation runs a reconciliation over ?start and ?end (RFC 3339).
// End defaults to now, start to 24 hours before end.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	end, err := parseTimeParam(r, "end", time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end time, want RFC 3339")
		return
	}
	start, err := parseTimeParam(r, "start", end.Add(-24*time.Hour))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start time, want RFC 3339")
		return
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), start, end)
	if err != nil {
		logging.Error().Err(err).Msg("reconciliation failed")
		respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Alerts returns the active alert set, or history when ?window is given
// (a Go duration, e.g. 72h).
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if windowParam := r.URL.Query().Get("window"); windowParam != "" {
		window, err := time.ParseDuration(windowParam)
		if err != nil || window <= 0 {
			respondError(w, http.StatusBadRequest, "invalid window, want a positive duration")
			return
		}
		now := time.Now().UTC()
		history, err := h.alerts.History(r.Context(), now.Add(-window), now)
		if err != nil {
			logging.Error().Err(err).Msg("alert history read failed")
			respondError(w, http.StatusInternalServerError, "alert history read failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"alerts": history})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"alerts": h.alerts.Active()})
}

// AttemptsByBooking returns the full attempt history for one booking.
func (h *Handler) AttemptsByBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	if bookingID == "" {
		respondError(w, http.StatusBadRequest, "booking id is required")
		return
	}

	entries, err := h.attempts.ByBooking(r.Context(), bookingID)
	if err != nil {
		logging.Error().Err(err).Str("booking_id", bookingID).Msg("attempt history read failed")
		respondError(w, http.StatusInternalServerError, "attempt history read failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"booking_id": bookingID,
		"attempts":   entries,
	})
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
