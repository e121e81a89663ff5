// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package reconcile cross-checks the attempt log against the booking
// system of record and answers the question the whole engine exists for:
// of the bookings that actually converted, how many did at least one
// delivery path report?
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
)

// BookingLister returns the converted bookings for a window. Satisfied by
// *bookings.Store.
type BookingLister interface {
	ConfirmedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error)
}

// AttemptReader reads per-booking attempt history. Satisfied by
// *attemptlog.Store.
type AttemptReader interface {
	ByBooking(ctx context.Context, bookingID string) ([]models.AttemptLogEntry, error)
}

// Engine runs reconciliation over a date range.
type Engine struct {
	bookings BookingLister
	attempts AttemptReader
}

// New creates a reconciliation engine.
func New(bookings BookingLister, attempts AttemptReader) *Engine {
	return &Engine{bookings: bookings, attempts: attempts}
}

// Reconcile compares booking truth against the attempt log for bookings
// created in [start, end). A booking counts as tracked on a path when any
// purchase attempt on that path succeeded; retries never double-count.
//
// The window selects bookings, not attempts: a booking's full attempt
// history is read regardless of timestamp, so a server backup that lands
// after the window closes still counts toward the booking's day instead
// of surfacing as a false discrepancy.
func (e *Engine) Reconcile(ctx context.Context, start, end time.Time) (*models.ReconciliationResult, error) {
	eligible, err := e.bookings.ConfirmedBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list converted bookings: %w", err)
	}

	result := &models.ReconciliationResult{
		DateRange:             models.DateRange{Start: start, End: end},
		TotalEligibleBookings: len(eligible),
	}

	for _, b := range eligible {
		entries, err := e.attempts.ByBooking(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("read attempts for booking %s: %w", b.ID, err)
		}

		clientTracked, serverTracked := trackedPaths(entries)
		if clientTracked {
			result.ClientSideConversions++
		}
		if serverTracked {
			result.ServerSideConversions++
		}
		if clientTracked && serverTracked {
			result.MatchedConversions++
		}

		if issue := classify(clientTracked, serverTracked); issue != "" {
			result.Discrepancies = append(result.Discrepancies, models.Discrepancy{
				BookingID:     b.ID,
				ClientTracked: clientTracked,
				ServerTracked: serverTracked,
				Issue:         issue,
			})
		}
	}

	result.AccuracyPercentage = accuracy(result)
	result.MatchRate = matchRate(result)

	metrics.RecordReconciliation(result.AccuracyPercentage, len(result.Discrepancies))
	logging.Info().
		Time("start", start).
		Time("end", end).
		Int("eligible", result.TotalEligibleBookings).
		Int("client", result.ClientSideConversions).
		Int("server", result.ServerSideConversions).
		Int("discrepancies", len(result.Discrepancies)).
		Float64("accuracy", result.AccuracyPercentage).
		Msg("reconciliation complete")

	return result, nil
}

// trackedPaths reduces a booking's attempt history to per-path success.
// Only purchase attempts count; funnel events are not conversions.
func trackedPaths(entries []models.AttemptLogEntry) (client, server bool) {
	for i := range entries {
		e := &entries[i]
		if !e.Success || e.Action != models.ActionPurchase {
			continue
		}
		switch e.ConversionType {
		case models.ConversionTypeClient:
			client = true
		case models.ConversionTypeServer:
			server = true
		}
	}
	return client, server
}

// classify maps a per-booking tracking state to a discrepancy issue, or
// empty when both paths agree on success.
func classify(client, server bool) string {
	switch {
	case !client && !server:
		return models.IssueNoTracking
	case client && !server:
		return models.IssueServerMissing
	case !client && server:
		return models.IssueClientFailed
	default:
		return ""
	}
}

// accuracy is the share of eligible bookings the better-performing path
// captured, as a percentage rounded to two decimals. An empty window is
// vacuously accurate.
func accuracy(r *models.ReconciliationResult) float64 {
	if r.TotalEligibleBookings == 0 {
		return 100
	}
	best := r.ClientSideConversions
	if r.ServerSideConversions > best {
		best = r.ServerSideConversions
	}
	return round2(float64(best) / float64(r.TotalEligibleBookings) * 100)
}

// matchRate is the share of eligible bookings both paths captured. It is
// a redundancy signal, not an accuracy signal.
func matchRate(r *models.ReconciliationResult) float64 {
	if r.TotalEligibleBookings == 0 {
		return 100
	}
	return round2(float64(r.MatchedConversions) / float64(r.TotalEligibleBookings) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
