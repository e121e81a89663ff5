// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package models

import "time"

// Action identifies the funnel milestone a conversion event reports.
type Action string

// Funnel milestones reported to the advertising platform.
const (
	ActionViewItem       Action = "view_item"
	ActionAddToCart      Action = "add_to_cart"
	ActionBeginCheckout  Action = "begin_checkout"
	ActionAddPaymentInfo Action = "add_payment_info"
	ActionPurchase       Action = "purchase"
)

// Actions lists every action the engine reports, in funnel order.
// The health monitor uses this to verify that a conversion label is
// configured for each one.
var Actions = []Action{
	ActionViewItem,
	ActionAddToCart,
	ActionBeginCheckout,
	ActionAddPaymentInfo,
	ActionPurchase,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionViewItem, ActionAddToCart, ActionBeginCheckout, ActionAddPaymentInfo, ActionPurchase:
		return true
	}
	return false
}

// Attribution carries the click identifiers and campaign strings captured
// from the visit that led to the booking. All fields are optional; a
// conversion without attribution is still uploaded (the platform falls back
// to its own matching).
type Attribution struct {
	GCLID       string `json:"gclid,omitempty" koanf:"gclid"`
	WBRAID      string `json:"wbraid,omitempty" koanf:"wbraid"`
	GBRAID      string `json:"gbraid,omitempty" koanf:"gbraid"`
	UTMCampaign string `json:"utm_campaign,omitempty" koanf:"utm_campaign"`
	UTMSource   string `json:"utm_source,omitempty" koanf:"utm_source"`
	UTMMedium   string `json:"utm_medium,omitempty" koanf:"utm_medium"`
}

// Empty reports whether no attribution identifiers are present.
func (a Attribution) Empty() bool {
	return a.GCLID == "" && a.WBRAID == "" && a.GBRAID == "" &&
		a.UTMCampaign == "" && a.UTMSource == "" && a.UTMMedium == ""
}

// UserIdentifiers holds one-way-hashed personal identifiers for enhanced
// conversion matching. Every Hashed* field must be a lowercase hex SHA-256
// digest of the normalized raw value; raw PII never crosses this boundary.
type UserIdentifiers struct {
	HashedEmail     string `json:"hashed_email,omitempty" validate:"omitempty,sha256hex"`
	HashedPhone     string `json:"hashed_phone,omitempty" validate:"omitempty,sha256hex"`
	HashedFirstName string `json:"hashed_first_name,omitempty" validate:"omitempty,sha256hex"`
	HashedLastName  string `json:"hashed_last_name,omitempty" validate:"omitempty,sha256hex"`
	CountryCode     string `json:"country_code,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	PostalCode      string `json:"postal_code,omitempty" validate:"omitempty,max=16"`
}

// Empty reports whether no identifiers are present.
func (u UserIdentifiers) Empty() bool {
	return u == UserIdentifiers{}
}

// ConversionEvent is the canonical, platform-agnostic unit reported to the
// advertising platform. Both delivery paths build the same event for the
// same booking; in particular TransactionID must equal the booking ID on
// both paths or reconciliation cannot join them.
type ConversionEvent struct {
	Action   Action  `json:"action" validate:"required,oneof=view_item add_to_cart begin_checkout add_payment_info purchase"`
	Value    float64 `json:"value" validate:"gte=0,required_if=Action purchase"`
	// required_if must precede omitempty: omitempty stops tag evaluation
	// on an empty field, which would let a currency-less purchase through.
	Currency string  `json:"currency" validate:"required_if=Action purchase,omitempty,iso4217"`

	// TransactionID is the external identity of a purchase, unique per
	// booking and identical on the client and server paths.
	TransactionID string `json:"transaction_id,omitempty" validate:"required_if=Action purchase"`

	Attribution     Attribution     `json:"attribution,omitempty"`
	UserIdentifiers UserIdentifiers `json:"user_identifiers,omitempty"`

	// Timestamp is the event creation time, used for the platform's
	// conversion-date field and for ordering in the attempt log.
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Enhanced reports whether the event carries hashed identifiers and is
// therefore an enhanced conversion.
func (e *ConversionEvent) Enhanced() bool {
	return !e.UserIdentifiers.Empty()
}
