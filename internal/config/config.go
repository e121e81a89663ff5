// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package config loads and validates the engine configuration via Koanf v2
// with layered sources: built-in defaults, an optional YAML file, then
// environment variables (highest priority).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yamakawa-tours/converge/internal/models"
)

// Config is the root configuration for the conversion engine.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Server     ServerConfig     `koanf:"server"`
	AttemptLog AttemptLogConfig `koanf:"attemptlog"`
	Bookings   BookingsConfig   `koanf:"bookings"`
	Ads        AdsConfig        `koanf:"ads"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Health     HealthConfig     `koanf:"health"`
	NATS       NATSConfig       `koanf:"nats"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the ops HTTP surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	RateLimit       int           `koanf:"rate_limit"` // requests per minute per IP
}

// AttemptLogConfig controls the BadgerDB attempt log.
type AttemptLogConfig struct {
	Dir           string `koanf:"dir"`
	InMemory      bool   `koanf:"in_memory"`
	RetentionDays int    `koanf:"retention_days"`
}

// Retention returns the retention window as a duration.
func (c AttemptLogConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// BookingsConfig points at the booking system of record.
type BookingsConfig struct {
	// Path is the DuckDB database file holding the bookings table.
	Path string `koanf:"path"`
}

// AdsConfig holds the advertising platform integration settings.
type AdsConfig struct {
	CustomerID     string `koanf:"customer_id"`
	DeveloperToken string `koanf:"developer_token"`
	ClientID       string `koanf:"client_id"`
	ClientSecret   string `koanf:"client_secret"`
	RefreshToken   string `koanf:"refresh_token"`
	TokenURL       string `koanf:"token_url"`
	UploadURL      string `koanf:"upload_url"`

	UploadTimeout time.Duration `koanf:"upload_timeout"`

	// RatePerSecond and Burst bound upload calls; the platform
	// rate-limits aggressively on the conversion upload endpoint.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`

	// Labels maps each funnel action to its platform conversion label.
	// An action without a label is a deployment bug, caught at startup
	// and again by the health monitor.
	Labels map[string]string `koanf:"labels"`
}

// Label returns the conversion label for an action, if configured.
func (c AdsConfig) Label(action models.Action) (string, bool) {
	label, ok := c.Labels[string(action)]
	if !ok || label == "" || isPlaceholder(label) {
		return "", false
	}
	return label, true
}

// DispatcherConfig controls the client-path dispatcher.
type DispatcherConfig struct {
	// Endpoint is the direct collection endpoint events are posted to.
	Endpoint string `koanf:"endpoint"`

	MaxRetries      int           `koanf:"max_retries"`
	BackoffBase     time.Duration `koanf:"backoff_base"`
	BackoffMaxDelay time.Duration `koanf:"backoff_max_delay"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
}

// HealthConfig controls the health monitor and alert service.
type HealthConfig struct {
	BasicInterval time.Duration `koanf:"basic_interval"`
	DeepInterval  time.Duration `koanf:"deep_interval"`

	// ErrorRateThreshold is the failure fraction (0..1) over the window
	// above which an alert is raised.
	ErrorRateThreshold float64       `koanf:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `koanf:"error_rate_window"`

	// CallTimeThreshold flags degraded delivery performance.
	CallTimeThreshold time.Duration `koanf:"call_time_threshold"`

	WebhookURL     string        `koanf:"webhook_url"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`

	RetentionDays int    `koanf:"retention_days"`
	Environment   string `koanf:"environment"`
	Service       string `koanf:"service"`
}

// Retention returns the alert retention window as a duration.
func (c HealthConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// NATSConfig controls the booking-confirmed trigger stream.
type NATSConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url"`
	Topic            string        `koanf:"topic"`
	StreamName       string        `koanf:"stream_name"`
	QueueGroup       string        `koanf:"queue_group"`
	DurableName      string        `koanf:"durable_name"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
	SubscribersCount int           `koanf:"subscribers_count"`
}

// defaultConfig returns a Config with all sensible default values.
// These are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Addr:            ":8642",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  nil,
			RateLimit:       120,
		},
		AttemptLog: AttemptLogConfig{
			Dir:           "/data/converge/attemptlog",
			InMemory:      false,
			RetentionDays: 90,
		},
		Bookings: BookingsConfig{
			Path: "/data/converge/bookings.db",
		},
		Ads: AdsConfig{
			TokenURL:      "https://oauth2.googleapis.com/token",
			UploadTimeout: 10 * time.Second,
			RatePerSecond: 5,
			Burst:         10,
			Labels:        map[string]string{},
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:      3,
			BackoffBase:     time.Second,
			BackoffMaxDelay: 30 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
		Health: HealthConfig{
			BasicInterval:      5 * time.Minute,
			DeepInterval:       30 * time.Minute,
			ErrorRateThreshold: 0.05,
			ErrorRateWindow:    time.Hour,
			CallTimeThreshold:  2 * time.Second,
			WebhookTimeout:     5 * time.Second,
			RetentionDays:      90,
			Environment:        "production",
			Service:            "converge",
		},
		NATS: NATSConfig{
			Enabled:          true,
			URL:              "nats://127.0.0.1:4222",
			Topic:            "bookings.confirmed",
			StreamName:       "BOOKINGS",
			QueueGroup:       "converge",
			DurableName:      "converge-backup",
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     10 * time.Second,
			SubscribersCount: 1,
		},
	}
}

// placeholderMarkers are substrings that betray an unconfigured value
// copied from a template.
var placeholderMarkers = []string{
	"insert_", "your_", "your-", "replace", "changeme", "placeholder", "xxx",
}

// isPlaceholder reports whether a value looks like template filler rather
// than a real credential or label.
func isPlaceholder(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	if lower == "" {
		return true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Validate checks the configuration for missing or placeholder values.
// Configuration errors are deployment bugs: they fail startup rather than
// being retried at runtime.
func (c *Config) Validate() error {
	var errs []string

	for name, v := range map[string]string{
		"ads.customer_id":     c.Ads.CustomerID,
		"ads.developer_token": c.Ads.DeveloperToken,
		"ads.client_id":       c.Ads.ClientID,
		"ads.client_secret":   c.Ads.ClientSecret,
		"ads.refresh_token":   c.Ads.RefreshToken,
		"ads.token_url":       c.Ads.TokenURL,
		"ads.upload_url":      c.Ads.UploadURL,
	} {
		if isPlaceholder(v) {
			errs = append(errs, fmt.Sprintf("%s is missing or a placeholder", name))
		}
	}

	for _, action := range models.Actions {
		if _, ok := c.Ads.Label(action); !ok {
			errs = append(errs, fmt.Sprintf("ads.labels.%s is missing or a placeholder", action))
		}
	}

	if c.Dispatcher.MaxRetries < 1 {
		errs = append(errs, "dispatcher.max_retries must be at least 1")
	}
	if c.Dispatcher.BackoffBase <= 0 {
		errs = append(errs, "dispatcher.backoff_base must be positive")
	}
	if c.Dispatcher.BackoffMaxDelay < c.Dispatcher.BackoffBase {
		errs = append(errs, "dispatcher.backoff_max_delay must be at least backoff_base")
	}
	if c.Dispatcher.RequestTimeout <= 0 {
		errs = append(errs, "dispatcher.request_timeout must be positive")
	}

	if c.Health.ErrorRateThreshold < 0 || c.Health.ErrorRateThreshold > 1 {
		errs = append(errs, "health.error_rate_threshold must be between 0 and 1")
	}
	if c.AttemptLog.RetentionDays < 1 {
		errs = append(errs, "attemptlog.retention_days must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}
