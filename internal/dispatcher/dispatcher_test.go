// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/models"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 1, time.Second},
		{"second retry", 2, 2 * time.Second},
		{"third retry", 3, 4 * time.Second},
		{"fifth retry", 5, 16 * time.Second},
		{"capped at max", 6, 30 * time.Second},
		{"far past cap", 20, 30 * time.Second},
		{"zero attempt clamps to first", 0, time.Second},
		{"negative attempt clamps to first", -3, time.Second},
		{"overflow guard", 64, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Backoff(base, maxDelay, tt.attempt)
			if got != tt.want {
				t.Fatalf("Backoff(%v, %v, %d) = %v, want %v", base, maxDelay, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	base := 500 * time.Millisecond
	maxDelay := time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 30; attempt++ {
		got := Backoff(base, maxDelay, attempt)
		if got < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, got, prev)
		}
		if got > maxDelay {
			t.Fatalf("backoff exceeded max at attempt %d: %v", attempt, got)
		}
		prev = got
	}
}

// fakeSink counts deliveries and fails the first failures calls.
type fakeSink struct {
	mu       sync.Mutex
	calls    int
	failures int
	payloads []Payload
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(_ context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.payloads = append(f.payloads, p)
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAlerter records raised alerts.
type fakeAlerter struct {
	mu     sync.Mutex
	raised []models.AlertType
}

func (f *fakeAlerter) Raise(_ context.Context, typ models.AlertType, _ models.AlertSeverity, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, typ)
}

func (f *fakeAlerter) types() []models.AlertType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AlertType, len(f.raised))
	copy(out, f.raised)
	return out
}

func newTestLog(t *testing.T) *attemptlog.Store {
	t.Helper()
	db, err := attemptlog.OpenBadger("", true)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return attemptlog.New(db, 0)
}

func testLabels() map[models.Action]string {
	labels := make(map[models.Action]string, len(models.Actions))
	for _, a := range models.Actions {
		labels[a] = "AW-12345/" + string(a)
	}
	return labels
}

func newTestDispatcher(t *testing.T, sink *fakeSink, alerts *fakeAlerter, labels map[models.Action]string) (*Dispatcher, *attemptlog.Store, *clock.Mock) {
	t.Helper()
	log := newTestLog(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	d, err := New(Config{
		MaxRetries:      3,
		BackoffBase:     time.Second,
		BackoffMaxDelay: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
	}, Deps{
		Consent: StaticConsent(true),
		Primary: sink,
		Log:     log,
		Alerts:  alerts,
		Clock:   clk,
		Labels:  labels,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, log, clk
}

func purchaseInput() Input {
	return Input{
		BookingID:     "BK-2041",
		Value:         9000,
		Currency:      "JPY",
		TransactionID: "BK-2041",
		Attribution:   models.Attribution{GCLID: "Cj0KCQiA"},
	}
}

func TestTrackPurchase_ConsentWithheldIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	alerts := &fakeAlerter{}
	log := newTestLog(t)

	d, err := New(Config{MaxRetries: 3, BackoffBase: time.Second, BackoffMaxDelay: 30 * time.Second, RequestTimeout: time.Second}, Deps{
		Consent: StaticConsent(false),
		Primary: sink,
		Log:     log,
		Alerts:  alerts,
		Labels:  testLabels(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if got := d.TrackPurchase(context.Background(), purchaseInput()); got {
		t.Fatal("expected tracking to report false without consent")
	}
	if sink.count() != 0 {
		t.Fatalf("sink called %d times, want 0", sink.count())
	}

	entries, err := log.ByBooking(context.Background(), "BK-2041")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("attempt log has %d entries, want 0 for a consent no-op", len(entries))
	}
	if len(alerts.types()) != 0 {
		t.Fatalf("alerts raised for a consent no-op: %v", alerts.types())
	}
}

func TestTrackPurchase_ContextConsent(t *testing.T) {
	sink := &fakeSink{}
	log := newTestLog(t)

	d, err := New(Config{MaxRetries: 1, BackoffBase: time.Second, BackoffMaxDelay: time.Second, RequestTimeout: time.Second}, Deps{
		Primary: sink,
		Log:     log,
		Labels:  testLabels(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	// Unstamped context fails closed.
	if d.TrackPurchase(context.Background(), purchaseInput()) {
		t.Fatal("expected tracking blocked on unstamped context")
	}
	if sink.count() != 0 {
		t.Fatalf("sink called %d times before consent, want 0", sink.count())
	}

	ctx := WithConsent(context.Background(), true)
	if !d.TrackPurchase(ctx, purchaseInput()) {
		t.Fatal("expected tracking to succeed with consent stamped")
	}
	if sink.count() != 1 {
		t.Fatalf("sink called %d times, want 1", sink.count())
	}
}

func TestTrackPurchase_RetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	alerts := &fakeAlerter{}
	d, log, clk := newTestDispatcher(t, sink, alerts, testLabels())

	if !d.TrackPurchase(context.Background(), purchaseInput()) {
		t.Fatal("expected delivery to succeed on the third attempt")
	}
	if sink.count() != 3 {
		t.Fatalf("sink called %d times, want 3", sink.count())
	}

	waited := clk.Waited()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(waited) != len(want) {
		t.Fatalf("waited %v, want %v", waited, want)
	}
	for i := range want {
		if waited[i] != want[i] {
			t.Fatalf("backoff %d was %v, want %v", i+1, waited[i], want[i])
		}
	}

	entries, err := log.ByBooking(context.Background(), "BK-2041")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("attempt log has %d entries, want 3", len(entries))
	}
	successes := 0
	for _, e := range entries {
		if e.ConversionType != models.ConversionTypeClient {
			t.Fatalf("entry has conversion type %q, want client", e.ConversionType)
		}
		if e.Success {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("attempt log has %d successes, want 1", successes)
	}
}

func TestTrackPurchase_ExhaustsRetriesAndAlerts(t *testing.T) {
	sink := &fakeSink{failures: 100}
	alerts := &fakeAlerter{}
	d, log, _ := newTestDispatcher(t, sink, alerts, testLabels())

	if d.TrackPurchase(context.Background(), purchaseInput()) {
		t.Fatal("expected tracking to report false after exhausting retries")
	}
	if sink.count() != 3 {
		t.Fatalf("sink called %d times, want exactly max retries (3)", sink.count())
	}

	entries, err := log.ByBooking(context.Background(), "BK-2041")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("attempt log has %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Success {
			t.Fatalf("entry %d marked success on a failing sink", i)
		}
	}

	types := alerts.types()
	if len(types) != 1 || types[0] != models.AlertTrackingFailure {
		t.Fatalf("alerts raised = %v, want exactly one tracking failure", types)
	}
}

func TestTrack_HardValidationFailure(t *testing.T) {
	sink := &fakeSink{}
	alerts := &fakeAlerter{}
	d, log, _ := newTestDispatcher(t, sink, alerts, testLabels())

	// Purchase without transaction id or currency hard-fails validation.
	in := Input{BookingID: "BK-9001", Value: 9000}
	if d.TrackPurchase(context.Background(), in) {
		t.Fatal("expected invalid purchase to be rejected")
	}
	if sink.count() != 0 {
		t.Fatalf("sink called %d times for an untransmittable event, want 0", sink.count())
	}

	entries, err := log.ByBooking(context.Background(), "BK-9001")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("attempt log has %d entries, want 1", len(entries))
	}
	if entries[0].Details["category"] != "validation" {
		t.Fatalf("entry category = %q, want validation", entries[0].Details["category"])
	}

	types := alerts.types()
	if len(types) != 1 || types[0] != models.AlertValidation {
		t.Fatalf("alerts raised = %v, want one validation alert", types)
	}
}

func TestTrack_EnhancedFailureDegradesAndStillFires(t *testing.T) {
	sink := &fakeSink{}
	alerts := &fakeAlerter{}
	d, _, _ := newTestDispatcher(t, sink, alerts, testLabels())

	in := purchaseInput()
	in.UserIdentifiers = models.UserIdentifiers{HashedEmail: "not-a-sha256-hash"}

	if !d.TrackPurchase(context.Background(), in) {
		t.Fatal("expected event to fire after dropping enhanced data")
	}
	if sink.count() != 1 {
		t.Fatalf("sink called %d times, want 1", sink.count())
	}
	if !sink.payloads[0].Conversion.UserIdentifiers.Empty() {
		t.Fatalf("delivered payload still carries identifiers: %+v", sink.payloads[0].Conversion.UserIdentifiers)
	}
	if len(alerts.types()) != 0 {
		t.Fatalf("degraded delivery raised alerts: %v", alerts.types())
	}
}

func TestTrack_MissingLabelIsConfigurationError(t *testing.T) {
	sink := &fakeSink{}
	alerts := &fakeAlerter{}

	labels := testLabels()
	delete(labels, models.ActionViewItem)
	d, log, _ := newTestDispatcher(t, sink, alerts, labels)

	if d.TrackViewItem(context.Background(), Input{BookingID: "BK-7"}) {
		t.Fatal("expected tracking to fail without a label")
	}
	if sink.count() != 0 {
		t.Fatalf("sink called %d times, want 0", sink.count())
	}

	entries, err := log.ByBooking(context.Background(), "BK-7")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["category"] != "configuration" {
		t.Fatalf("expected one configuration entry, got %+v", entries)
	}

	types := alerts.types()
	if len(types) != 1 || types[0] != models.AlertConfiguration {
		t.Fatalf("alerts raised = %v, want one configuration alert", types)
	}
}

func TestTrack_SecondarySinkFailureDoesNotAffectOutcome(t *testing.T) {
	primary := &fakeSink{}
	secondary := &fakeSink{failures: 100}
	alerts := &fakeAlerter{}
	log := newTestLog(t)

	d, err := New(Config{MaxRetries: 3, BackoffBase: time.Second, BackoffMaxDelay: 30 * time.Second, RequestTimeout: time.Second}, Deps{
		Consent:   StaticConsent(true),
		Primary:   primary,
		Secondary: []EventSink{secondary},
		Log:       log,
		Alerts:    alerts,
		Labels:    testLabels(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if !d.TrackPurchase(context.Background(), purchaseInput()) {
		t.Fatal("expected success despite failing secondary sink")
	}
	if secondary.count() != 1 {
		t.Fatalf("secondary sink called %d times, want 1", secondary.count())
	}
}

func TestTrack_ClosedDispatcherIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	log := newTestLog(t)

	d, err := New(Config{MaxRetries: 3, BackoffBase: time.Second, BackoffMaxDelay: 30 * time.Second, RequestTimeout: time.Second}, Deps{
		Consent: StaticConsent(true),
		Primary: sink,
		Log:     log,
		Alerts:  &fakeAlerter{},
		Labels:  testLabels(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d.TrackPurchase(context.Background(), purchaseInput()) {
		t.Fatal("closed dispatcher reported a delivery")
	}
	if sink.count() != 0 {
		t.Fatalf("closed dispatcher hit the sink %d times", sink.count())
	}

	entries, err := log.ByBooking(context.Background(), "BK-2041")
	if err != nil {
		t.Fatalf("read attempt log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("closed dispatcher wrote %d attempt entries", len(entries))
	}
}
