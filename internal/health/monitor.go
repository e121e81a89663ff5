// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
)

// StatsSource reports attempt counts over a window. Satisfied by
// *attemptlog.Store.
type StatsSource interface {
	Stats(ctx context.Context, start, end time.Time) (total, failures int, err error)
}

// Checker is one named deep-check target: a sink, a queue, a database.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// MonitorConfig bounds the monitor's checks.
type MonitorConfig struct {
	BasicInterval      time.Duration
	DeepInterval       time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	CallTimeThreshold  time.Duration
}

// Monitor runs periodic basic and deep health checks. It is run as a
// suture service; Serve blocks until the context is canceled.
type Monitor struct {
	cfg      MonitorConfig
	alerts   *AlertService
	stats    StatsSource
	labels   map[models.Action]string
	checkers []Checker
	clk      clock.Clock

	draining atomic.Bool

	// perf accumulates delivery latency samples between deep checks.
	perfMu    sync.Mutex
	perfTotal time.Duration
	perfCount int
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg MonitorConfig, alerts *AlertService, stats StatsSource, labels map[models.Action]string, checkers []Checker, clk clock.Clock) *Monitor {
	if cfg.BasicInterval <= 0 {
		cfg.BasicInterval = 5 * time.Minute
	}
	if cfg.DeepInterval <= 0 {
		cfg.DeepInterval = 30 * time.Minute
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = time.Hour
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Monitor{
		cfg:      cfg,
		alerts:   alerts,
		stats:    stats,
		labels:   labels,
		checkers: checkers,
		clk:      clk,
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *Monitor) String() string { return "health-monitor" }

// SetDraining suppresses checks during shutdown so a half-stopped
// pipeline does not page anyone.
func (m *Monitor) SetDraining(v bool) {
	m.draining.Store(v)
}

// ObserveCallTime records one delivery latency sample. The dispatcher's
// primary sink path feeds this.
func (m *Monitor) ObserveCallTime(d time.Duration) {
	m.perfMu.Lock()
	m.perfTotal += d
	m.perfCount++
	m.perfMu.Unlock()
}

// Serve runs the check loops until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	basic := m.clk.NewTicker(m.cfg.BasicInterval)
	defer basic.Stop()
	deep := m.clk.NewTicker(m.cfg.DeepInterval)
	defer deep.Stop()

	logging.Info().
		Dur("basic_interval", m.cfg.BasicInterval).
		Dur("deep_interval", m.cfg.DeepInterval).
		Msg("health monitor started")

	m.runBasic(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-basic.C():
			m.runBasic(ctx)
		case <-deep.C():
			m.runDeep(ctx)
		}
	}
}

// runBasic checks configuration sanity and the recent error rate.
func (m *Monitor) runBasic(ctx context.Context) {
	if m.draining.Load() {
		return
	}
	start := time.Now()
	defer func() {
		metrics.HealthCheckDuration.WithLabelValues("basic").Observe(time.Since(start).Seconds())
	}()

	m.checkLabels(ctx)
	m.checkErrorRate(ctx)
}

// runDeep probes external targets and evaluates delivery latency.
func (m *Monitor) runDeep(ctx context.Context) {
	if m.draining.Load() {
		return
	}
	start := time.Now()
	defer func() {
		metrics.HealthCheckDuration.WithLabelValues("deep").Observe(time.Since(start).Seconds())
	}()

	failed := 0
	for _, c := range m.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.Check(checkCtx)
		cancel()

		if err != nil {
			failed++
			m.alerts.Raise(ctx, models.AlertNetwork, models.SeverityHigh,
				fmt.Sprintf("health check %q failed: %v", c.Name, err),
				map[string]string{"check": c.Name})
		}
	}
	if failed == 0 {
		m.alerts.Resolve(models.AlertNetwork)
	}

	m.checkCallTime(ctx)
	logging.Debug().Int("checkers", len(m.checkers)).Int("failed", failed).Msg("deep health check complete")
}

// checkLabels verifies every funnel action still has a conversion label.
// A label disappearing at runtime means someone deployed a bad config.
func (m *Monitor) checkLabels(ctx context.Context) {
	var missing []string
	for _, action := range models.Actions {
		if m.labels[action] == "" {
			missing = append(missing, string(action))
		}
	}
	if len(missing) > 0 {
		m.alerts.Raise(ctx, models.AlertConfiguration, models.SeverityCritical,
			fmt.Sprintf("conversion labels missing for actions: %v", missing), nil)
		return
	}
	m.alerts.Resolve(models.AlertConfiguration)
}

// checkErrorRate compares the failure fraction over the window against
// the configured threshold.
func (m *Monitor) checkErrorRate(ctx context.Context) {
	now := m.clk.Now()
	total, failures, err := m.stats.Stats(ctx, now.Add(-m.cfg.ErrorRateWindow), now)
	if err != nil {
		logging.Error().Err(err).Msg("error rate check failed to read attempt log")
		return
	}
	if total == 0 {
		m.alerts.Resolve(models.AlertErrorRate)
		return
	}

	rate := float64(failures) / float64(total)
	if rate > m.cfg.ErrorRateThreshold {
		m.alerts.Raise(ctx, models.AlertErrorRate, models.SeverityHigh,
			fmt.Sprintf("delivery error rate %.1f%% over the last %s exceeds %.1f%%",
				rate*100, m.cfg.ErrorRateWindow, m.cfg.ErrorRateThreshold*100),
			map[string]string{
				"total":    fmt.Sprintf("%d", total),
				"failures": fmt.Sprintf("%d", failures),
			})
		return
	}
	m.alerts.Resolve(models.AlertErrorRate)
}

// checkCallTime evaluates the mean delivery latency since the last deep
// check against the threshold, then resets the window.
func (m *Monitor) checkCallTime(ctx context.Context) {
	m.perfMu.Lock()
	total, count := m.perfTotal, m.perfCount
	m.perfTotal, m.perfCount = 0, 0
	m.perfMu.Unlock()

	if count == 0 || m.cfg.CallTimeThreshold <= 0 {
		return
	}

	mean := total / time.Duration(count)
	if mean > m.cfg.CallTimeThreshold {
		m.alerts.Raise(ctx, models.AlertPerformance, models.SeverityMedium,
			fmt.Sprintf("mean delivery latency %s over %d calls exceeds %s", mean, count, m.cfg.CallTimeThreshold),
			map[string]string{"samples": fmt.Sprintf("%d", count)})
		return
	}
	m.alerts.Resolve(models.AlertPerformance)
}
