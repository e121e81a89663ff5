// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/yamakawa-tours/converge/internal/models"
)

// NopNotifier discards alerts. Used when no webhook is configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, models.Alert) error { return nil }

// WebhookNotifier posts alerts as JSON to an HTTP endpoint, typically a
// chat-ops bridge.
type WebhookNotifier struct {
	url         string
	client      *http.Client
	environment string
	service     string
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string, timeout time.Duration, environment, service string) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:         url,
		client:      &http.Client{Timeout: timeout},
		environment: environment,
		service:     service,
	}
}

// webhookPayload is the wire shape the receiving end expects.
type webhookPayload struct {
	AlertType   string            `json:"alert_type"`
	Severity    string            `json:"severity"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
	Environment string            `json:"environment,omitempty"`
	Service     string            `json:"service,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(webhookPayload{
		AlertType:   string(alert.Type),
		Severity:    string(alert.Severity),
		Message:     alert.Message,
		Timestamp:   alert.Timestamp,
		Environment: n.environment,
		Service:     n.service,
		Data:        alert.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert webhook: status %d", resp.StatusCode)
	}
	return nil
}
