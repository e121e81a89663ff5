// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package models

import "time"

// Discrepancy issue strings. These are stable identifiers consumed by
// dashboards; do not reword without migrating consumers.
const (
	IssueNoTracking    = "no conversion tracking found for successful booking"
	IssueServerMissing = "server-side backup missing"
	IssueClientFailed  = "client-side tracking failed"
)

// Discrepancy describes one booking whose two delivery paths disagree.
type Discrepancy struct {
	BookingID     string `json:"booking_id"`
	ClientTracked bool   `json:"client_tracked"`
	ServerTracked bool   `json:"server_tracked"`
	Issue         string `json:"issue"`
}

// DateRange is the half-open [Start, End) window a reconciliation covers.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReconciliationResult is the outcome of joining the client and server
// attempt logs over a date range. It is a view computed fresh per
// invocation, not a source of truth; only the attempt log is durable.
type ReconciliationResult struct {
	DateRange DateRange `json:"date_range"`

	TotalEligibleBookings int `json:"total_eligible_bookings"`

	// ClientSideConversions counts bookings with at least one successful
	// client attempt; ServerSideConversions the same for the server path.
	ClientSideConversions int `json:"client_side_conversions"`
	ServerSideConversions int `json:"server_side_conversions"`

	// MatchedConversions counts bookings tracked by both paths.
	MatchedConversions int `json:"matched_conversions"`

	Discrepancies []Discrepancy `json:"discrepancies"`

	// AccuracyPercentage is max(client, server) / total * 100, rounded to
	// two decimals. The max-based formula reflects the dual-path
	// guarantee: the platform has the conversion as long as either path
	// reported it.
	AccuracyPercentage float64 `json:"accuracy_percentage"`

	// MatchRate is matched / total * 100, rounded to two decimals. It is
	// the agreement signal between the two paths, reported alongside the
	// accuracy metric rather than folded into it.
	MatchRate float64 `json:"match_rate"`
}
