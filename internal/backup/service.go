// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package backup is the server-side conversion path. Given a booking ID
// it re-derives a purchase conversion from the booking record and uploads
// it to the ad platform, independent of whatever the browser managed to
// report. It makes exactly one upload attempt per trigger and records it
// in the attempt log; retry pressure comes from re-triggering, not loops.
package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/yamakawa-tours/converge/internal/adplatform"
	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
	"github.com/yamakawa-tours/converge/internal/validation"
)

// BookingSource loads booking records. Satisfied by *bookings.Store.
type BookingSource interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
}

// Uploader sends conversion rows to the ad platform. Satisfied by
// *adplatform.Client.
type Uploader interface {
	UploadConversions(ctx context.Context, rows []adplatform.Conversion) (*adplatform.UploadResult, error)
}

// Alerter raises operational alerts. Satisfied by *health.AlertService.
type Alerter interface {
	Raise(ctx context.Context, typ models.AlertType, severity models.AlertSeverity, message string, data map[string]string)
}

// Service validates bookings and uploads server-side conversions.
type Service struct {
	bookings BookingSource
	uploader Uploader
	log      *attemptlog.Store
	alerts   Alerter
	clk      clock.Clock

	// purchaseLabel is the platform conversion label for the purchase
	// action; the backup path only ever reports purchases.
	purchaseLabel string
}

// New creates a backup service.
func New(bookings BookingSource, uploader Uploader, log *attemptlog.Store, alerts Alerter, purchaseLabel string, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		bookings:      bookings,
		uploader:      uploader,
		log:           log,
		alerts:        alerts,
		clk:           clk,
		purchaseLabel: purchaseLabel,
	}
}

// Result describes one backup attempt. Success is the only field most
// callers look at; the rest feeds the ops API and logs.
type Result struct {
	Success    bool                    `json:"success"`
	BookingID  string                  `json:"booking_id"`
	Detail     string                  `json:"detail,omitempty"`
	Conversion *models.ConversionEvent `json:"conversion,omitempty"`
}

// ValidateAndConvert loads the booking, checks its status, rebuilds the
// purchase event from the record and uploads it. It never returns an
// error: every failure mode becomes a Result with Success false, an
// attempt log entry and, where warranted, an alert.
func (s *Service) ValidateAndConvert(ctx context.Context, bookingID string) *Result {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		detail := fmt.Sprintf("load booking: %v", err)
		s.record(ctx, bookingID, false, map[string]string{"category": "validation", "error": detail})
		logging.Warn().Err(err).Str("booking_id", bookingID).Msg("backup conversion rejected")
		return &Result{BookingID: bookingID, Detail: detail}
	}

	if !booking.Status.Converted() {
		detail := fmt.Sprintf("booking status %q is not a conversion", booking.Status)
		s.record(ctx, bookingID, false, map[string]string{"category": "validation", "error": detail})
		logging.Info().
			Str("booking_id", bookingID).
			Str("status", string(booking.Status)).
			Msg("backup conversion rejected: booking not converted")
		return &Result{BookingID: bookingID, Detail: detail}
	}

	ev := s.BuildEvent(booking)

	if verr := validation.ValidateEvent(ev); verr != nil {
		if verr.HardFail() {
			detail := verr.Error()
			s.record(ctx, bookingID, false, map[string]string{"category": "validation", "error": detail})
			s.raise(ctx, models.AlertValidation, models.SeverityMedium,
				fmt.Sprintf("backup event for booking %s failed validation: %v", bookingID, verr),
				map[string]string{"booking_id": bookingID})
			return &Result{BookingID: bookingID, Detail: detail}
		}
		dropped := validation.StripInvalidEnhanced(ev, verr)
		logging.Warn().
			Str("booking_id", bookingID).
			Strs("dropped", dropped).
			Msg("enhanced identifier fields dropped from backup event")
	}

	row := adplatform.FromEvent(ev, s.purchaseLabel)

	result, err := s.uploader.UploadConversions(ctx, []adplatform.Conversion{row})
	if err != nil {
		detail := err.Error()
		category := "network"
		if errors.Is(err, adplatform.ErrPartialFailure) {
			// The batch went through but our row was rejected; the booking
			// is not converted no matter what the transport said.
			category = "upload"
		}
		s.record(ctx, bookingID, false, map[string]string{"category": category, "error": detail})
		s.raise(ctx, models.AlertUploadFailure, models.SeverityHigh,
			fmt.Sprintf("server-side conversion upload failed for booking %s", bookingID),
			map[string]string{"booking_id": bookingID, "error": detail})
		return &Result{BookingID: bookingID, Detail: detail, Conversion: ev}
	}

	s.record(ctx, bookingID, true, map[string]string{
		"accepted": fmt.Sprintf("%d", result.Accepted),
	})
	logging.Info().
		Str("booking_id", bookingID).
		Float64("value", ev.Value).
		Str("currency", ev.Currency).
		Msg("server-side conversion uploaded")

	return &Result{Success: true, BookingID: bookingID, Conversion: ev}
}

// BuildEvent derives the canonical purchase event from a booking record.
// The transaction ID is the booking ID, which is what lets the platform
// dedup this upload against a client-path purchase for the same booking.
func (s *Service) BuildEvent(b *models.Booking) *models.ConversionEvent {
	ts := b.CreatedAt
	if ts.IsZero() {
		ts = s.clk.Now().UTC()
	}
	return &models.ConversionEvent{
		Action:        models.ActionPurchase,
		Value:         b.Amount,
		Currency:      b.Currency,
		TransactionID: b.ID,
		Attribution:   b.Attribution,
		UserIdentifiers: models.UserIdentifiers{
			HashedEmail:     HashIdentifier(NormalizeEmail(b.CustomerEmail)),
			HashedPhone:     HashIdentifier(NormalizePhone(b.CustomerPhone)),
			HashedFirstName: HashIdentifier(NormalizeName(b.CustomerFirstName)),
			HashedLastName:  HashIdentifier(NormalizeName(b.CustomerLastName)),
			CountryCode:     b.CountryCode,
			PostalCode:      b.PostalCode,
		},
		Timestamp: ts,
	}
}

// record appends a server-path attempt entry. Attempt is zero: the backup
// path does not loop.
func (s *Service) record(ctx context.Context, bookingID string, success bool, details map[string]string) {
	entry := models.AttemptLogEntry{
		BookingID:      bookingID,
		ConversionType: models.ConversionTypeServer,
		Action:         models.ActionPurchase,
		Success:        success,
		Timestamp:      s.clk.Now().UTC(),
		Details:        details,
	}
	if err := s.log.Append(ctx, &entry); err != nil {
		logging.Error().Err(err).Str("booking_id", bookingID).Msg("attempt log write failed")
	}
	metrics.RecordAttempt("server", success)
}

func (s *Service) raise(ctx context.Context, typ models.AlertType, sev models.AlertSeverity, msg string, data map[string]string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Raise(ctx, typ, sev, msg, data)
}
