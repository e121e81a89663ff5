// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/models"
)

func newTestDB(t *testing.T) *AlertService {
	t.Helper()
	db, err := attemptlog.OpenBadger("", true)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAlertService(db, nil, 0)
}

func TestAlertService_RaiseAndActive(t *testing.T) {
	svc := newTestDB(t)
	ctx := context.Background()

	svc.Raise(ctx, models.AlertValidation, models.SeverityMedium, "bad event", nil)
	svc.Raise(ctx, models.AlertConfiguration, models.SeverityCritical, "label missing", map[string]string{"action": "purchase"})

	active := svc.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d alerts, want 2", len(active))
	}

	// A newer alert of the same type replaces the active one.
	svc.Raise(ctx, models.AlertValidation, models.SeverityMedium, "another bad event", nil)
	active = svc.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d alerts after re-raise, want still 2", len(active))
	}
}

func TestAlertService_Resolve(t *testing.T) {
	svc := newTestDB(t)
	ctx := context.Background()

	svc.Raise(ctx, models.AlertErrorRate, models.SeverityHigh, "error rate high", nil)
	svc.Resolve(models.AlertErrorRate)

	if active := svc.Active(); len(active) != 0 {
		t.Fatalf("active = %v after resolve, want none", active)
	}

	// Resolving an inactive type is a no-op.
	svc.Resolve(models.AlertErrorRate)
}

func TestAlertService_HistorySurvivesResolve(t *testing.T) {
	svc := newTestDB(t)
	ctx := context.Background()

	svc.Raise(ctx, models.AlertUploadFailure, models.SeverityHigh, "upload failed", nil)
	svc.Resolve(models.AlertUploadFailure)

	now := time.Now().UTC()
	history, err := svc.History(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d alerts, want 1", len(history))
	}
	if history[0].Type != models.AlertUploadFailure {
		t.Fatalf("history[0].Type = %q", history[0].Type)
	}
}

func TestWebhookNotifier_PostsAlert(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		got.Store(payload)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, "production", "converge")
	err := n.Notify(context.Background(), models.Alert{
		ID:        "a-1",
		Type:      models.AlertTrackingFailure,
		Severity:  models.SeverityHigh,
		Message:   "client-side tracking failed",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"booking_id": "BK-2041"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	payload := got.Load().(map[string]any)
	if payload["alert_type"] != "tracking_failure" || payload["severity"] != "high" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["environment"] != "production" || payload["service"] != "converge" {
		t.Fatalf("payload missing environment/service: %v", payload)
	}
}

func TestWebhookNotifier_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, "", "")
	if err := n.Notify(context.Background(), models.Alert{Type: models.AlertNetwork}); err == nil {
		t.Fatal("expected notify to fail on 500")
	}
}

// fakeStats returns fixed attempt counts.
type fakeStats struct {
	total    int
	failures int
}

func (f *fakeStats) Stats(context.Context, time.Time, time.Time) (int, int, error) {
	return f.total, f.failures, nil
}

func fullLabels() map[models.Action]string {
	labels := make(map[models.Action]string, len(models.Actions))
	for _, a := range models.Actions {
		labels[a] = "AW-12345/" + string(a)
	}
	return labels
}

func monitorConfig() MonitorConfig {
	return MonitorConfig{
		BasicInterval:      5 * time.Minute,
		DeepInterval:       30 * time.Minute,
		ErrorRateThreshold: 0.05,
		ErrorRateWindow:    time.Hour,
		CallTimeThreshold:  2 * time.Second,
	}
}

func TestMonitor_ErrorRateAboveThresholdAlerts(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	m := NewMonitor(monitorConfig(), alerts, &fakeStats{total: 100, failures: 10}, fullLabels(), nil, clk)

	m.runBasic(context.Background())

	if !hasActive(alerts, models.AlertErrorRate) {
		t.Fatal("10% failure rate did not raise an error-rate alert")
	}
}

func TestMonitor_ErrorRateBelowThresholdResolves(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	stats := &fakeStats{total: 100, failures: 10}
	m := NewMonitor(monitorConfig(), alerts, stats, fullLabels(), nil, clk)
	m.runBasic(context.Background())

	stats.total, stats.failures = 100, 2
	m.runBasic(context.Background())

	if hasActive(alerts, models.AlertErrorRate) {
		t.Fatal("error-rate alert not resolved after recovery")
	}
}

func TestMonitor_MissingLabelIsCritical(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	labels := fullLabels()
	delete(labels, models.ActionPurchase)
	m := NewMonitor(monitorConfig(), alerts, &fakeStats{}, labels, nil, clk)

	m.runBasic(context.Background())

	found := false
	for _, a := range alerts.Active() {
		if a.Type == models.AlertConfiguration && a.Severity == models.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatal("missing purchase label did not raise a critical configuration alert")
	}
}

func TestMonitor_DeepCheckFailureAlerts(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	checkers := []Checker{
		{Name: "bookings-db", Check: func(context.Context) error { return errors.New("connection refused") }},
	}
	m := NewMonitor(monitorConfig(), alerts, &fakeStats{}, fullLabels(), checkers, clk)

	m.runDeep(context.Background())

	if !hasActive(alerts, models.AlertNetwork) {
		t.Fatal("failing deep check did not raise a network alert")
	}
}

func TestMonitor_SlowCallsRaisePerformanceAlert(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	m := NewMonitor(monitorConfig(), alerts, &fakeStats{}, fullLabels(), nil, clk)

	for i := 0; i < 5; i++ {
		m.ObserveCallTime(4 * time.Second)
	}
	m.runDeep(context.Background())

	if !hasActive(alerts, models.AlertPerformance) {
		t.Fatal("slow deliveries did not raise a performance alert")
	}

	// The sample window resets after evaluation; fast calls resolve it.
	for i := 0; i < 5; i++ {
		m.ObserveCallTime(10 * time.Millisecond)
	}
	m.runDeep(context.Background())

	if hasActive(alerts, models.AlertPerformance) {
		t.Fatal("performance alert not resolved after recovery")
	}
}

func TestMonitor_DrainingSkipsChecks(t *testing.T) {
	alerts := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	m := NewMonitor(monitorConfig(), alerts, &fakeStats{total: 100, failures: 100}, fullLabels(), nil, clk)

	m.SetDraining(true)
	m.runBasic(context.Background())

	if len(alerts.Active()) != 0 {
		t.Fatalf("draining monitor raised alerts: %v", alerts.Active())
	}
}

func hasActive(svc *AlertService, typ models.AlertType) bool {
	for _, a := range svc.Active() {
		if a.Type == typ {
			return true
		}
	}
	return false
}
