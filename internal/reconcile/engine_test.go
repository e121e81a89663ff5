// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/models"
)

// fakeBookings lists a fixed set of converted bookings.
type fakeBookings struct {
	list []*models.Booking
}

func (f *fakeBookings) ConfirmedBetween(context.Context, time.Time, time.Time) ([]*models.Booking, error) {
	return f.list, nil
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

func booking(id string) *models.Booking {
	return &models.Booking{
		ID:        id,
		Status:    models.BookingPaid,
		Amount:    9000,
		Currency:  "JPY",
		CreatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func appendAttempt(t *testing.T, log *attemptlog.Store, bookingID string, ct models.ConversionType, success bool, attempt int) {
	t.Helper()
	err := log.Append(context.Background(), &models.AttemptLogEntry{
		BookingID:      bookingID,
		ConversionType: ct,
		Action:         models.ActionPurchase,
		Success:        success,
		Timestamp:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(attempt) * time.Second),
		Attempt:        attempt,
	})
	if err != nil {
		t.Fatalf("append attempt: %v", err)
	}
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
}

func TestReconcile_AccuracyUsesBetterPath(t *testing.T) {
	log := newTestLog(t)

	// 10 converted bookings: client tracked 8, server tracked 9.
	var list []*models.Booking
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("BK-%d", i)
		list = append(list, booking(id))
		if i <= 8 {
			appendAttempt(t, log, id, models.ConversionTypeClient, true, 1)
		}
		if i <= 9 {
			appendAttempt(t, log, id, models.ConversionTypeServer, true, 0)
		}
	}

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if result.TotalEligibleBookings != 10 {
		t.Fatalf("eligible = %d, want 10", result.TotalEligibleBookings)
	}
	if result.ClientSideConversions != 8 || result.ServerSideConversions != 9 {
		t.Fatalf("client/server = %d/%d, want 8/9", result.ClientSideConversions, result.ServerSideConversions)
	}
	if result.AccuracyPercentage != 90.00 {
		t.Fatalf("accuracy = %v, want 90.00 (max path over total)", result.AccuracyPercentage)
	}
	if result.MatchedConversions != 8 || result.MatchRate != 80.00 {
		t.Fatalf("matched/rate = %d/%v, want 8/80.00", result.MatchedConversions, result.MatchRate)
	}
}

func TestReconcile_ClassifiesDiscrepancies(t *testing.T) {
	log := newTestLog(t)
	list := []*models.Booking{booking("BK-both"), booking("BK-client-only"), booking("BK-server-only"), booking("BK-none")}

	appendAttempt(t, log, "BK-both", models.ConversionTypeClient, true, 1)
	appendAttempt(t, log, "BK-both", models.ConversionTypeServer, true, 0)
	appendAttempt(t, log, "BK-client-only", models.ConversionTypeClient, true, 1)
	appendAttempt(t, log, "BK-server-only", models.ConversionTypeServer, true, 0)

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	issues := make(map[string]string, len(result.Discrepancies))
	byID := make(map[string]models.Discrepancy, len(result.Discrepancies))
	for _, d := range result.Discrepancies {
		issues[d.BookingID] = d.Issue
		byID[d.BookingID] = d
	}

	if len(result.Discrepancies) != 3 {
		t.Fatalf("got %d discrepancies, want 3: %v", len(result.Discrepancies), issues)
	}
	if issues["BK-client-only"] != models.IssueServerMissing {
		t.Fatalf("client-only issue = %q, want %q", issues["BK-client-only"], models.IssueServerMissing)
	}
	if d := byID["BK-client-only"]; !d.ClientTracked || d.ServerTracked {
		t.Fatalf("client-only tracked flags = %v/%v, want true/false", d.ClientTracked, d.ServerTracked)
	}
	if result.MatchedConversions != 1 {
		t.Fatalf("matched = %d, want only the fully tracked booking", result.MatchedConversions)
	}
	if issues["BK-server-only"] != models.IssueClientFailed {
		t.Fatalf("server-only issue = %q, want %q", issues["BK-server-only"], models.IssueClientFailed)
	}
	if issues["BK-none"] != models.IssueNoTracking {
		t.Fatalf("untracked issue = %q, want %q", issues["BK-none"], models.IssueNoTracking)
	}
	if _, flagged := issues["BK-both"]; flagged {
		t.Fatal("fully tracked booking flagged as discrepancy")
	}
}

func TestReconcile_RetriesNeverDoubleCount(t *testing.T) {
	log := newTestLog(t)
	list := []*models.Booking{booking("BK-2041")}

	// Three failed client tries, then the server backup lands it.
	for attempt := 1; attempt <= 3; attempt++ {
		appendAttempt(t, log, "BK-2041", models.ConversionTypeClient, false, attempt)
	}
	appendAttempt(t, log, "BK-2041", models.ConversionTypeServer, true, 0)

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if result.ClientSideConversions != 0 {
		t.Fatalf("client conversions = %d, want 0: failed retries must not count", result.ClientSideConversions)
	}
	if result.ServerSideConversions != 1 {
		t.Fatalf("server conversions = %d, want 1", result.ServerSideConversions)
	}
	if result.AccuracyPercentage != 100.00 {
		t.Fatalf("accuracy = %v, want 100.00: the backup path caught the booking", result.AccuracyPercentage)
	}
	if len(result.Discrepancies) != 1 || result.Discrepancies[0].Issue != models.IssueClientFailed {
		t.Fatalf("discrepancies = %+v, want one client-failed entry", result.Discrepancies)
	}
}

func TestReconcile_SuccessfulRetryCountsOnce(t *testing.T) {
	log := newTestLog(t)
	list := []*models.Booking{booking("BK-1")}

	appendAttempt(t, log, "BK-1", models.ConversionTypeClient, false, 1)
	appendAttempt(t, log, "BK-1", models.ConversionTypeClient, true, 2)
	appendAttempt(t, log, "BK-1", models.ConversionTypeClient, true, 3)

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.ClientSideConversions != 1 {
		t.Fatalf("client conversions = %d, want 1", result.ClientSideConversions)
	}
}

func TestReconcile_LateBackupStillCounts(t *testing.T) {
	log := newTestLog(t)
	list := []*models.Booking{booking("BK-1")}

	// Backup landed after the reconciliation window closed. The window
	// selects bookings by creation time, not attempts by timestamp, so
	// the late success still marks the booking tracked.
	err := log.Append(context.Background(), &models.AttemptLogEntry{
		BookingID:      "BK-1",
		ConversionType: models.ConversionTypeServer,
		Action:         models.ActionPurchase,
		Success:        true,
		Timestamp:      time.Date(2026, 8, 2, 0, 5, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.ServerSideConversions != 1 {
		t.Fatalf("server conversions = %d, want 1 for a late backup", result.ServerSideConversions)
	}
	if result.AccuracyPercentage != 100.00 {
		t.Fatalf("accuracy = %v, want 100.00", result.AccuracyPercentage)
	}
	for _, d := range result.Discrepancies {
		if d.Issue == models.IssueNoTracking {
			t.Fatalf("late backup flagged as untracked: %+v", d)
		}
	}
}

func TestReconcile_EmptyWindow(t *testing.T) {
	log := newTestLog(t)

	start, end := window()
	result, err := New(&fakeBookings{}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.AccuracyPercentage != 100 || result.MatchRate != 100 {
		t.Fatalf("empty window accuracy/match = %v/%v, want 100/100", result.AccuracyPercentage, result.MatchRate)
	}
	if len(result.Discrepancies) != 0 {
		t.Fatalf("empty window produced discrepancies: %+v", result.Discrepancies)
	}
}

func TestReconcile_FunnelEventsAreNotConversions(t *testing.T) {
	log := newTestLog(t)
	list := []*models.Booking{booking("BK-1")}

	err := log.Append(context.Background(), &models.AttemptLogEntry{
		BookingID:      "BK-1",
		ConversionType: models.ConversionTypeClient,
		Action:         models.ActionBeginCheckout,
		Success:        true,
		Timestamp:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	start, end := window()
	result, err := New(&fakeBookings{list: list}, log).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.ClientSideConversions != 0 {
		t.Fatal("a funnel event counted as a conversion")
	}
	if len(result.Discrepancies) != 1 || result.Discrepancies[0].Issue != models.IssueNoTracking {
		t.Fatalf("discrepancies = %+v, want one no-tracking entry", result.Discrepancies)
	}
}
