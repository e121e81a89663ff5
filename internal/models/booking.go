// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package models

import "time"

// BookingStatus is the storefront's booking lifecycle state. Only the
// terminal paid states are eligible for conversion reporting.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingPaid      BookingStatus = "paid"
	BookingCancelled BookingStatus = "cancelled"
	BookingRefunded  BookingStatus = "refunded"
)

// Converted reports whether a booking in this status counts as a real
// conversion. The backup path accepts nothing else, regardless of what
// the browser reported.
func (s BookingStatus) Converted() bool {
	return s == BookingConfirmed || s == BookingPaid
}

// Booking is the read-side view of a booking record, loaded from the
// system of record. This subsystem never writes bookings.
type Booking struct {
	ID       string        `json:"id"`
	Status   BookingStatus `json:"status"`
	Amount   float64       `json:"amount"`
	Currency string        `json:"currency"`
	TourID   string        `json:"tour_id"`

	CustomerEmail     string `json:"customer_email,omitempty"`
	CustomerPhone     string `json:"customer_phone,omitempty"`
	CustomerFirstName string `json:"customer_first_name,omitempty"`
	CustomerLastName  string `json:"customer_last_name,omitempty"`
	CountryCode       string `json:"country_code,omitempty"`
	PostalCode        string `json:"postal_code,omitempty"`

	Attribution Attribution `json:"attribution"`

	CreatedAt time.Time `json:"created_at"`
}
