// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package adplatform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/yamakawa-tours/converge/internal/clock"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
)

// expirySkew is subtracted from a token's lifetime so a token is never
// used within a minute of expiring mid-upload.
const expirySkew = time.Minute

// TokenSource yields a bearer token for the ad platform API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Tests use this.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// RefreshTokenSource exchanges a long-lived OAuth refresh token for
// short-lived access tokens. Tokens are cached with expiry awareness and
// refreshed behind a singleflight guard so concurrent uploads do not each
// trigger an exchange. The access token is never persisted.
type RefreshTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string

	client *http.Client
	clk    clock.Clock

	sf singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewRefreshTokenSource creates a token source for the given OAuth client.
func NewRefreshTokenSource(tokenURL, clientID, clientSecret, refreshToken string, timeout time.Duration, clk clock.Clock) *RefreshTokenSource {
	if clk == nil {
		clk = clock.System()
	}
	return &RefreshTokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		client:       &http.Client{Timeout: timeout},
		clk:          clk,
	}
}

// Token returns a valid access token, refreshing if the cached one is
// absent or within the expiry skew.
func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.clk.Now().Before(s.expiry.Add(-expirySkew)) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// tokenResponse is the OAuth token endpoint's reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// refresh performs the refresh-token exchange and caches the result.
func (s *RefreshTokenSource) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {s.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("token exchange: empty access token")
	}

	s.mu.Lock()
	s.token = tr.AccessToken
	s.expiry = s.clk.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.mu.Unlock()

	metrics.RecordTokenRefresh(true)
	logging.Debug().Int("expires_in", tr.ExpiresIn).Msg("access token refreshed")
	return tr.AccessToken, nil
}

// truncate bounds upstream error text before it lands in logs or details.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
