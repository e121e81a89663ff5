// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package config

import (
	"strings"
	"testing"

	"github.com/yamakawa-tours/converge/internal/models"
)

func TestIsPlaceholder(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"   ", true},
		{"INSERT_CONVERSION_ID_HERE", true},
		{"your_developer_token", true},
		{"your-client-id.example.com", true},
		{"changeme", true},
		{"xxx-yyy-zzz", true},
		{"REPLACE_WITH_TOKEN", true},
		{"AW-123456789/AbCdEfGh", false},
		{"1//0abc-realtoken", false},
	}
	for _, tt := range tests {
		if got := isPlaceholder(tt.value); got != tt.want {
			t.Errorf("isPlaceholder(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Ads.CustomerID = "111-222-3333"
	cfg.Ads.DeveloperToken = "devtoken123"
	cfg.Ads.ClientID = "client-id.apps"
	cfg.Ads.ClientSecret = "secret123"
	cfg.Ads.RefreshToken = "1//refresh"
	cfg.Ads.UploadURL = "https://ads.example.com"
	for _, a := range models.Actions {
		cfg.Ads.Labels[string(a)] = "AW-12345/" + string(a)
	}
	return cfg
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_RejectsPlaceholderCredential(t *testing.T) {
	cfg := validConfig()
	cfg.Ads.DeveloperToken = "INSERT_DEVELOPER_TOKEN_HERE"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("placeholder developer token accepted")
	}
	if !strings.Contains(err.Error(), "ads.developer_token") {
		t.Fatalf("error does not name the offending key: %v", err)
	}
}

func TestValidate_RejectsMissingActionLabel(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Ads.Labels, string(models.ActionPurchase))

	err := cfg.Validate()
	if err == nil {
		t.Fatal("missing purchase label accepted")
	}
	if !strings.Contains(err.Error(), "ads.labels.purchase") {
		t.Fatalf("error does not name the missing label: %v", err)
	}
}

func TestValidate_RejectsPlaceholderLabel(t *testing.T) {
	cfg := validConfig()
	cfg.Ads.Labels[string(models.ActionViewItem)] = "INSERT_LABEL_HERE"

	if err := cfg.Validate(); err == nil {
		t.Fatal("placeholder label accepted")
	}
}

func TestValidate_RejectsBadRetryBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retries", func(c *Config) { c.Dispatcher.MaxRetries = 0 }},
		{"zero backoff base", func(c *Config) { c.Dispatcher.BackoffBase = 0 }},
		{"max below base", func(c *Config) { c.Dispatcher.BackoffMaxDelay = c.Dispatcher.BackoffBase / 2 }},
		{"zero request timeout", func(c *Config) { c.Dispatcher.RequestTimeout = 0 }},
		{"threshold above one", func(c *Config) { c.Health.ErrorRateThreshold = 1.5 }},
		{"zero retention", func(c *Config) { c.AttemptLog.RetentionDays = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLabel_PlaceholderCountsAsMissing(t *testing.T) {
	cfg := validConfig()
	cfg.Ads.Labels[string(models.ActionPurchase)] = "changeme"

	if _, ok := cfg.Ads.Label(models.ActionPurchase); ok {
		t.Fatal("placeholder label resolved")
	}
	if _, ok := cfg.Ads.Label(models.ActionAddToCart); !ok {
		t.Fatal("real label did not resolve")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"CONVERGE_ADS_DEVELOPER_TOKEN", "ads.developer_token"},
		{"CONVERGE_DISPATCHER_MAX_RETRIES", "dispatcher.max_retries"},
		{"CONVERGE_ATTEMPTLOG_RETENTION_DAYS", "attemptlog.retention_days"},
		{"CONVERGE_NATS_URL", "nats.url"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.env); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}
