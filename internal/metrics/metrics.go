// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the conversion engine:
// - delivery attempts and retries per path
// - ad platform upload latency and token refreshes
// - sink fan-out outcomes
// - alerts raised by the health service
// - reconciliation accuracy

var (
	// Delivery metrics
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_attempts_total",
			Help: "Total conversion delivery attempts by path and outcome",
		},
		[]string{"path", "outcome"}, // path: client|server, outcome: success|failure
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversion_retries_total",
			Help: "Total retry attempts after a failed delivery",
		},
	)

	ConsentBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversion_consent_blocked_total",
			Help: "Tracking calls skipped because marketing consent was absent",
		},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_sink_deliveries_total",
			Help: "Per-sink delivery outcomes during fan-out",
		},
		[]string{"sink", "outcome"},
	)

	// Ad platform metrics
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adplatform_upload_duration_seconds",
			Help:    "Duration of conversion batch uploads in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	UploadRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adplatform_upload_rows_total",
			Help: "Conversion rows uploaded, by outcome",
		},
		[]string{"outcome"}, // accepted|rejected
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adplatform_token_refreshes_total",
			Help: "OAuth refresh-token exchanges, by outcome",
		},
		[]string{"outcome"},
	)

	// Health metrics
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_alerts_raised_total",
			Help: "Alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_check_duration_seconds",
			Help:    "Duration of health check runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"}, // basic|deep
	)

	// Reconciliation metrics
	ReconciliationAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciliation_accuracy_percentage",
			Help: "Accuracy percentage of the most recent reconciliation run",
		},
	)

	ReconciliationDiscrepancies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciliation_discrepancies",
			Help: "Discrepancy count of the most recent reconciliation run",
		},
	)
)

// RecordAttempt tracks one delivery attempt outcome.
func RecordAttempt(path string, success bool) {
	AttemptsTotal.WithLabelValues(path, outcome(success)).Inc()
}

// RecordSinkDelivery tracks one fan-out delivery outcome.
func RecordSinkDelivery(sink string, success bool) {
	SinkDeliveries.WithLabelValues(sink, outcome(success)).Inc()
}

// RecordUpload tracks an upload's duration and row outcomes.
func RecordUpload(d time.Duration, accepted, rejected int) {
	UploadDuration.Observe(d.Seconds())
	UploadRowsTotal.WithLabelValues("accepted").Add(float64(accepted))
	UploadRowsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordTokenRefresh tracks one token exchange outcome.
func RecordTokenRefresh(success bool) {
	TokenRefreshes.WithLabelValues(outcome(success)).Inc()
}

// RecordAlert tracks one raised alert.
func RecordAlert(alertType, severity string) {
	AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// RecordReconciliation tracks the latest reconciliation outcome.
func RecordReconciliation(accuracy float64, discrepancies int) {
	ReconciliationAccuracy.Set(accuracy)
	ReconciliationDiscrepancies.Set(float64(discrepancies))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
