// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package dispatcher

import "context"

// ConsentProvider answers whether marketing/analytics consent is present
// for the visit a tracking call belongs to. Absent consent is a policy
// no-op, not an error: no network call, no attempt log entry.
type ConsentProvider interface {
	MarketingConsent(ctx context.Context) bool
}

// StaticConsent always answers the same. Tests and single-tenant batch
// jobs use this.
type StaticConsent bool

// MarketingConsent implements ConsentProvider.
func (s StaticConsent) MarketingConsent(context.Context) bool {
	return bool(s)
}

type consentKey struct{}

// WithConsent stamps the caller's consent state onto the context. The
// storefront resolves the visitor's consent-management state per request
// and passes it through here.
func WithConsent(ctx context.Context, granted bool) context.Context {
	return context.WithValue(ctx, consentKey{}, granted)
}

// ContextConsent reads consent from the context. A context that was never
// stamped counts as consent withheld; privacy gates fail closed.
type ContextConsent struct{}

// MarketingConsent implements ConsentProvider.
func (ContextConsent) MarketingConsent(ctx context.Context) bool {
	granted, ok := ctx.Value(consentKey{}).(bool)
	return ok && granted
}
