// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package models

import "time"

// ConversionType identifies which delivery path produced an attempt.
type ConversionType string

const (
	// ConversionTypeClient marks attempts made by the in-flow dispatcher.
	ConversionTypeClient ConversionType = "client"

	// ConversionTypeServer marks attempts made by the backup service,
	// re-derived from the booking record.
	ConversionTypeServer ConversionType = "server"
)

// Valid reports whether t is a known conversion type.
func (t ConversionType) Valid() bool {
	return t == ConversionTypeClient || t == ConversionTypeServer
}

// AttemptLogEntry is one row per delivery attempt. Entries are created
// once, never mutated and never deleted except by the retention policy.
// Multiple entries per (booking, type) are expected under retries;
// reconciliation dedups at read time via "any success".
type AttemptLogEntry struct {
	// ID is assigned by the store on append.
	ID string `json:"id"`

	BookingID      string         `json:"booking_id"`
	ConversionType ConversionType `json:"conversion_type"`
	Action         Action         `json:"action"`
	Success        bool           `json:"success"`
	Timestamp      time.Time      `json:"timestamp"`

	// Attempt is the 1-based try number within a single dispatch, zero
	// for paths that do not retry (the backup service).
	Attempt int `json:"attempt,omitempty"`

	// Details is an opaque diagnostic payload: error category, sink name,
	// upstream error text.
	Details map[string]string `json:"details,omitempty"`
}
