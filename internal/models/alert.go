// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package models

import "time"

// AlertSeverity ranks how urgently an operator should react.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType classifies what went wrong. Each error category of the
// delivery paths maps to a distinct type so operators can tell "a deploy
// is broken" from "an ad blocker blocked one request".
type AlertType string

const (
	AlertValidation      AlertType = "validation_error"
	AlertConfiguration   AlertType = "configuration_error"
	AlertNetwork         AlertType = "network_error"
	AlertTrackingFailure AlertType = "tracking_failure"
	AlertUploadFailure   AlertType = "upload_failure"
	AlertErrorRate       AlertType = "error_rate_exceeded"
	AlertPerformance     AlertType = "performance_degraded"
	AlertDiscrepancy     AlertType = "reconciliation_discrepancy"
)

// Alert is a typed operator notification. Alerts live in an in-memory
// active set plus a persisted history; both are trimmed by the retention
// window rather than by acknowledgement.
type Alert struct {
	ID        string            `json:"id"`
	Type      AlertType         `json:"type"`
	Severity  AlertSeverity     `json:"severity"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}
