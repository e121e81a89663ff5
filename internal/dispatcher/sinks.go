// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package dispatcher

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

// Payload is what a sink receives for one conversion: the event name, the
// resolved conversion label, and the canonical event fields.
type Payload struct {
	Event      string                  `json:"event"`
	Label      string                  `json:"conversion_label,omitempty"`
	Conversion *models.ConversionEvent `json:"conversion"`
}

// EventSink delivers one conversion payload to a destination. The primary
// sink's result drives the retry loop; secondary sinks are best-effort.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, p Payload) error
}

// DirectSink posts payloads straight to a collection endpoint over HTTP.
// It is the primary client-path destination.
type DirectSink struct {
	endpoint string
	client   *http.Client
}

// NewDirectSink creates a sink posting to the given endpoint.
func NewDirectSink(endpoint string, timeout time.Duration) *DirectSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name implements EventSink.
func (s *DirectSink) Name() string { return "direct" }

// Deliver implements EventSink.
func (s *DirectSink) Deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver conversion: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver conversion: status %d", resp.StatusCode)
	}
	return nil
}
