// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package models defines the shared domain types of the conversion engine:
// the canonical conversion event, the append-only attempt log entry, alerts,
// reconciliation results and the read-side view of a booking.
//
// Types here carry no behavior beyond small accessors; delivery, storage
// and reconciliation logic live in their own packages.
package models
