// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package dispatcher is the client-path conversion pipeline: consent gate,
// validation, label resolution, then delivery to the primary sink with
// exponential-backoff retries and best-effort fan-out to secondary sinks.
// Every delivery try is recorded in the attempt log before the outcome is
// reported, and no failure mode escapes as a panic or error into the
// booking flow.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
	"github.com/yamakawa-tours/converge/internal/validation"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMaxDelay time.Duration
	RequestTimeout  time.Duration
}

// DefaultConfig returns the retry bounds used when a zero Config is given.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BackoffBase:     time.Second,
		BackoffMaxDelay: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

// Backoff returns the delay before the given retry. Delays double from
// base up to maxDelay: base, 2*base, 4*base, ... Attempt is 1-based; the
// first retry waits base.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^50 overflows any sane base; clamp early.
	if attempt > 50 {
		return maxDelay
	}

	multiplier := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * multiplier)
	if delay < 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Alerter raises operational alerts. Satisfied by *health.AlertService.
type Alerter interface {
	Raise(ctx context.Context, typ models.AlertType, severity models.AlertSeverity, message string, data map[string]string)
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Consent   ConsentProvider
	Primary   EventSink
	Secondary []EventSink
	Log       *attemptlog.Store
	Alerts    Alerter
	Clock     clock.Clock

	// Labels maps each funnel action to its platform conversion label.
	Labels map[models.Action]string
}

// Dispatcher fires client-path conversion events for the booking funnel.
type Dispatcher struct {
	cfg       Config
	consent   ConsentProvider
	primary   EventSink
	secondary []EventSink
	log       *attemptlog.Store
	alerts    Alerter
	clk       clock.Clock
	labels    map[models.Action]string
	closed    atomic.Bool
}

// New creates a dispatcher. Primary sink and attempt log are mandatory;
// consent defaults to the context-based provider and the clock to the
// system clock.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Primary == nil {
		return nil, errors.New("dispatcher: primary sink is required")
	}
	if deps.Log == nil {
		return nil, errors.New("dispatcher: attempt log is required")
	}
	if cfg.MaxRetries < 1 {
		cfg = DefaultConfig()
	}
	if deps.Consent == nil {
		deps.Consent = ContextConsent{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}

	return &Dispatcher{
		cfg:       cfg,
		consent:   deps.Consent,
		primary:   deps.Primary,
		secondary: deps.Secondary,
		log:       deps.Log,
		alerts:    deps.Alerts,
		clk:       deps.Clock,
		labels:    deps.Labels,
	}, nil
}

// Close stops the dispatcher. Subsequent tracking calls return false
// without touching the network or the attempt log.
func (d *Dispatcher) Close() error {
	d.closed.Store(true)
	return nil
}

// Input carries the per-event fields a tracking call supplies. Zero-value
// fields are simply omitted from the event.
type Input struct {
	BookingID       string
	Value           float64
	Currency        string
	TransactionID   string
	Attribution     models.Attribution
	UserIdentifiers models.UserIdentifiers
	Timestamp       time.Time
}

// TrackViewItem reports a tour detail page view.
func (d *Dispatcher) TrackViewItem(ctx context.Context, in Input) bool {
	return d.track(ctx, models.ActionViewItem, in)
}

// TrackAddToCart reports a tour added to the cart.
func (d *Dispatcher) TrackAddToCart(ctx context.Context, in Input) bool {
	return d.track(ctx, models.ActionAddToCart, in)
}

// TrackBeginCheckout reports checkout start.
func (d *Dispatcher) TrackBeginCheckout(ctx context.Context, in Input) bool {
	return d.track(ctx, models.ActionBeginCheckout, in)
}

// TrackAddPaymentInfo reports payment details entered.
func (d *Dispatcher) TrackAddPaymentInfo(ctx context.Context, in Input) bool {
	return d.track(ctx, models.ActionAddPaymentInfo, in)
}

// TrackPurchase reports a completed booking purchase.
func (d *Dispatcher) TrackPurchase(ctx context.Context, in Input) bool {
	return d.track(ctx, models.ActionPurchase, in)
}

// Track reports an arbitrary funnel action. The typed wrappers are
// preferred; this exists for the HTTP track endpoint.
func (d *Dispatcher) Track(ctx context.Context, action models.Action, in Input) bool {
	return d.track(ctx, action, in)
}

// track runs the full client-path pipeline for one event and reports
// whether delivery succeeded. It never panics and never returns an error:
// tracking failure must not break the booking flow it is riding on.
func (d *Dispatcher) track(ctx context.Context, action models.Action, in Input) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("action", string(action)).
				Str("booking_id", in.BookingID).
				Interface("panic", r).
				Msg("tracking pipeline panicked")
			ok = false
		}
	}()

	if d.closed.Load() {
		logging.Debug().Str("action", string(action)).Msg("tracking skipped: dispatcher closed")
		return false
	}

	if !action.Valid() {
		d.recordFailure(ctx, action, in, 1, "validation", fmt.Sprintf("unknown action %q", action))
		d.raise(ctx, models.AlertValidation, models.SeverityMedium,
			fmt.Sprintf("unknown funnel action %q", action),
			map[string]string{"booking_id": in.BookingID})
		return false
	}

	if !d.consent.MarketingConsent(ctx) {
		metrics.ConsentBlockedTotal.Inc()
		logging.Debug().Str("action", string(action)).Msg("tracking skipped: no marketing consent")
		return false
	}

	ev := d.buildEvent(action, in)

	if verr := validation.ValidateEvent(ev); verr != nil {
		if verr.HardFail() {
			d.recordFailure(ctx, action, in, 1, "validation", verr.Error())
			d.raise(ctx, models.AlertValidation, models.SeverityMedium,
				fmt.Sprintf("invalid %s event: %v", action, verr),
				map[string]string{"booking_id": in.BookingID})
			return false
		}
		dropped := validation.StripInvalidEnhanced(ev, verr)
		logging.Warn().
			Str("action", string(action)).
			Strs("dropped", dropped).
			Msg("enhanced identifier fields dropped, event still fires")
	}

	label, ok := d.labels[action]
	if !ok || label == "" {
		d.recordFailure(ctx, action, in, 1, "configuration", "no conversion label configured")
		d.raise(ctx, models.AlertConfiguration, models.SeverityCritical,
			fmt.Sprintf("no conversion label configured for action %s", action),
			map[string]string{"action": string(action)})
		return false
	}

	payload := Payload{Event: string(action), Label: label, Conversion: ev}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		err := d.primary.Deliver(attemptCtx, payload)
		cancel()

		d.append(ctx, models.AttemptLogEntry{
			BookingID:      in.BookingID,
			ConversionType: models.ConversionTypeClient,
			Action:         action,
			Success:        err == nil,
			Timestamp:      d.clk.Now().UTC(),
			Attempt:        attempt,
			Details:        attemptDetails(d.primary.Name(), err),
		})
		metrics.RecordAttempt("client", err == nil)

		if err == nil {
			d.fanOut(ctx, payload)
			return true
		}
		lastErr = err

		logging.Warn().
			Err(err).
			Str("action", string(action)).
			Int("attempt", attempt).
			Int("max_retries", d.cfg.MaxRetries).
			Msg("conversion delivery failed")

		if attempt < d.cfg.MaxRetries {
			metrics.RetriesTotal.Inc()
			select {
			case <-ctx.Done():
				d.raiseFinalFailure(ctx, action, in, ctx.Err())
				return false
			case <-d.clk.After(Backoff(d.cfg.BackoffBase, d.cfg.BackoffMaxDelay, attempt)):
			}
		}
	}

	d.raiseFinalFailure(ctx, action, in, lastErr)
	return false
}

// buildEvent assembles the canonical event from the tracking input.
func (d *Dispatcher) buildEvent(action models.Action, in Input) *models.ConversionEvent {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = d.clk.Now().UTC()
	}
	return &models.ConversionEvent{
		Action:          action,
		Value:           in.Value,
		Currency:        in.Currency,
		TransactionID:   in.TransactionID,
		Attribution:     in.Attribution,
		UserIdentifiers: in.UserIdentifiers,
		Timestamp:       ts,
	}
}

// fanOut delivers to secondary sinks after a primary success. Failures are
// counted and logged but never affect the reported outcome.
func (d *Dispatcher) fanOut(ctx context.Context, payload Payload) {
	for _, sink := range d.secondary {
		sinkCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		err := sink.Deliver(sinkCtx, payload)
		cancel()

		metrics.RecordSinkDelivery(sink.Name(), err == nil)
		if err != nil {
			logging.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("event", payload.Event).
				Msg("secondary sink delivery failed")
		}
	}
}

// recordFailure appends a single failed attempt entry for non-network
// failure categories (validation, configuration).
func (d *Dispatcher) recordFailure(ctx context.Context, action models.Action, in Input, attempt int, category, detail string) {
	d.append(ctx, models.AttemptLogEntry{
		BookingID:      in.BookingID,
		ConversionType: models.ConversionTypeClient,
		Action:         action,
		Success:        false,
		Timestamp:      d.clk.Now().UTC(),
		Attempt:        attempt,
		Details: map[string]string{
			"category": category,
			"error":    detail,
		},
	})
	metrics.RecordAttempt("client", false)
}

// append writes an attempt entry. A log write failure is itself logged
// and swallowed; the attempt log must never take the pipeline down.
func (d *Dispatcher) append(ctx context.Context, entry models.AttemptLogEntry) {
	if err := d.log.Append(ctx, &entry); err != nil {
		logging.Error().Err(err).Str("booking_id", entry.BookingID).Msg("attempt log write failed")
	}
}

// raise forwards to the alerter when one is wired.
func (d *Dispatcher) raise(ctx context.Context, typ models.AlertType, sev models.AlertSeverity, msg string, data map[string]string) {
	if d.alerts == nil {
		return
	}
	d.alerts.Raise(ctx, typ, sev, msg, data)
}

// raiseFinalFailure alerts after the retry budget is spent.
func (d *Dispatcher) raiseFinalFailure(ctx context.Context, action models.Action, in Input, err error) {
	data := map[string]string{"action": string(action)}
	if in.BookingID != "" {
		data["booking_id"] = in.BookingID
	}
	if err != nil {
		data["error"] = err.Error()
	}
	d.raise(ctx, models.AlertTrackingFailure, models.SeverityHigh,
		fmt.Sprintf("client-side tracking failed after %d attempts for %s", d.cfg.MaxRetries, action), data)
}

// attemptDetails builds the details map for a network delivery attempt.
func attemptDetails(sink string, err error) map[string]string {
	details := map[string]string{
		"category": "network",
		"sink":     sink,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	return details
}
