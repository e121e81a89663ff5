// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package adplatform is the boundary to the advertising platform's
// conversion upload API. It models only what the engine needs: a batch
// upload with partial-failure semantics, the OAuth refresh-token exchange
// that authorizes it, and the developer-token header.
package adplatform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
)

// ErrPartialFailure marks an upload the platform accepted transport-wise
// but rejected at least one row of. Callers must treat the affected
// booking as not converted; silently counting it would poison
// reconciliation.
var ErrPartialFailure = errors.New("adplatform: partial failure")

// conversionDateTimeLayout is the platform's conversion timestamp format.
const conversionDateTimeLayout = "2006-01-02 15:04:05-07:00"

// Config holds the upload client settings. It mirrors the ads section of
// the application config without importing it.
type Config struct {
	CustomerID     string
	DeveloperToken string
	UploadURL      string
	Timeout        time.Duration

	// RatePerSecond and Burst bound outbound upload calls; zero rate
	// disables limiting.
	RatePerSecond float64
	Burst         int

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the circuit. Zero means 5.
	BreakerFailureThreshold uint32
}

// AddressInfo carries hashed name fields for enhanced matching.
type AddressInfo struct {
	HashedFirstName string `json:"hashed_first_name,omitempty"`
	HashedLastName  string `json:"hashed_last_name,omitempty"`
	CountryCode     string `json:"country_code,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
}

// UserIdentifier is one hashed identifier in the platform's wire shape.
// Exactly one field is set per element.
type UserIdentifier struct {
	HashedEmail       string       `json:"hashed_email,omitempty"`
	HashedPhoneNumber string       `json:"hashed_phone_number,omitempty"`
	AddressInfo       *AddressInfo `json:"address_info,omitempty"`
}

// Conversion is one row of the platform's batch upload.
type Conversion struct {
	ConversionAction   string           `json:"conversion_action"`
	ConversionValue    float64          `json:"conversion_value"`
	CurrencyCode       string           `json:"currency_code,omitempty"`
	OrderID            string           `json:"order_id,omitempty"`
	ConversionDateTime string           `json:"conversion_date_time"`
	GCLID              string           `json:"gclid,omitempty"`
	WBRAID             string           `json:"wbraid,omitempty"`
	GBRAID             string           `json:"gbraid,omitempty"`
	UserIdentifiers    []UserIdentifier `json:"user_identifiers,omitempty"`
}

// FromEvent converts a canonical conversion event into the platform's
// wire row using the resolved conversion label.
func FromEvent(ev *models.ConversionEvent, label string) Conversion {
	row := Conversion{
		ConversionAction:   label,
		ConversionValue:    ev.Value,
		CurrencyCode:       ev.Currency,
		OrderID:            ev.TransactionID,
		ConversionDateTime: ev.Timestamp.Format(conversionDateTimeLayout),
		GCLID:              ev.Attribution.GCLID,
		WBRAID:             ev.Attribution.WBRAID,
		GBRAID:             ev.Attribution.GBRAID,
	}

	ids := ev.UserIdentifiers
	if ids.HashedEmail != "" {
		row.UserIdentifiers = append(row.UserIdentifiers, UserIdentifier{HashedEmail: ids.HashedEmail})
	}
	if ids.HashedPhone != "" {
		row.UserIdentifiers = append(row.UserIdentifiers, UserIdentifier{HashedPhoneNumber: ids.HashedPhone})
	}
	if ids.HashedFirstName != "" || ids.HashedLastName != "" {
		row.UserIdentifiers = append(row.UserIdentifiers, UserIdentifier{AddressInfo: &AddressInfo{
			HashedFirstName: ids.HashedFirstName,
			HashedLastName:  ids.HashedLastName,
			CountryCode:     ids.CountryCode,
			PostalCode:      ids.PostalCode,
		}})
	}

	return row
}

// RowError is one rejected row from a partial-failure response.
type RowError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// UploadResult summarizes one batch upload.
type UploadResult struct {
	Received  int        `json:"received"`
	Accepted  int        `json:"accepted"`
	RowErrors []RowError `json:"row_errors,omitempty"`
}

// PartialFailure reports whether any row was rejected.
func (r *UploadResult) PartialFailure() bool {
	return len(r.RowErrors) > 0
}

// Client uploads conversion batches. Calls are rate-limited and wrapped
// in a circuit breaker so a platform outage fails fast instead of
// stacking timed-out requests.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  TokenSource
	breaker *gobreaker.CircuitBreaker[*UploadResult]
	limiter *rate.Limiter
}

// NewClient creates an upload client.
func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker[*UploadResult](gobreaker.Settings{
		Name:     "adplatform-upload",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		breaker: breaker,
		limiter: limiter,
	}
}

// uploadRequest is the batch upload payload. Partial failure is always
// enabled: a rejected row must surface per-row, not fail the whole batch
// transport-wise.
type uploadRequest struct {
	Conversions           []Conversion `json:"conversions"`
	PartialFailureEnabled bool         `json:"partial_failure_enabled"`
	ValidateOnly          bool         `json:"validate_only"`
}

// uploadResponse is the platform's reply.
type uploadResponse struct {
	Results []struct {
		OrderID string `json:"order_id"`
	} `json:"results"`
	PartialFailureError *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"partial_failure_error"`
}

// UploadConversions sends a batch of conversion rows. On partial failure
// the returned result carries per-row errors and err wraps
// ErrPartialFailure.
func (c *Client) UploadConversions(ctx context.Context, rows []Conversion) (*UploadResult, error) {
	if len(rows) == 0 {
		return &UploadResult{}, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upload rate limit: %w", err)
		}
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (*UploadResult, error) {
		return c.doUpload(ctx, rows)
	})

	if result != nil {
		metrics.RecordUpload(time.Since(start), result.Accepted, len(result.RowErrors))
	}
	return result, err
}

// doUpload performs one HTTP round trip to the batch endpoint.
func (c *Client) doUpload(ctx context.Context, rows []Conversion) (*UploadResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	payload, err := json.Marshal(uploadRequest{
		Conversions:           rows,
		PartialFailureEnabled: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal upload: %w", err)
	}

	url := fmt.Sprintf("%s/customers/%s:uploadClickConversions", c.cfg.UploadURL, c.cfg.CustomerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("developer-token", c.cfg.DeveloperToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload conversions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload conversions: status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var ur uploadResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	result := &UploadResult{
		Received: len(rows),
		Accepted: len(ur.Results),
	}

	if ur.PartialFailureError != nil {
		// The platform does not echo row indexes in a stable shape; record
		// the message against the batch and let the caller fail the booking.
		result.RowErrors = append(result.RowErrors, RowError{
			Index:   -1,
			Message: ur.PartialFailureError.Message,
		})
		return result, fmt.Errorf("%w: %s", ErrPartialFailure, ur.PartialFailureError.Message)
	}

	return result, nil
}
