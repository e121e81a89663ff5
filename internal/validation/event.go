// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package validation

import (
	"fmt"
	"strings"

	"github.com/yamakawa-tours/converge/internal/models"
)

// FieldIssue is one field-level validation problem.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// EventValidationError partitions an event's validation failures into core
// issues, which make the event untransmittable, and enhanced-data issues,
// which only disqualify the hashed-identifier payload. Callers degrade to
// a standard conversion on enhanced-only failures and hard-fail otherwise.
type EventValidationError struct {
	CoreIssues     []FieldIssue `json:"core_issues,omitempty"`
	EnhancedIssues []FieldIssue `json:"enhanced_issues,omitempty"`
}

// Error implements the error interface.
func (e *EventValidationError) Error() string {
	var parts []string
	for _, i := range e.CoreIssues {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Field, i.Message))
	}
	for _, i := range e.EnhancedIssues {
		parts = append(parts, fmt.Sprintf("%s (enhanced): %s", i.Field, i.Message))
	}
	if len(parts) == 0 {
		return "event validation failed"
	}
	return strings.Join(parts, "; ")
}

// HardFail reports whether the event must not be transmitted at all.
// Enhanced-only failures are recoverable by stripping the identifiers.
func (e *EventValidationError) HardFail() bool {
	return len(e.CoreIssues) > 0
}

// enhancedFields lists the struct fields whose failure degrades rather
// than rejects the event.
var enhancedFields = map[string]bool{
	"HashedEmail":     true,
	"HashedPhone":     true,
	"HashedFirstName": true,
	"HashedLastName":  true,
	"CountryCode":     true,
	"PostalCode":      true,
}

// ValidateEvent checks a conversion event against the canonical rules:
// known action, non-negative value, ISO currency, transaction id present
// for purchases, and hashed-looking identifier fields. It returns nil when
// the event may be transmitted as-is, or an *EventValidationError whose
// HardFail method tells the caller whether to drop the event or merely
// strip its enhanced data.
//
// Validation happens before any network call; an event that hard-fails
// here is recorded as a validation-error attempt, never sent.
func ValidateEvent(ev *models.ConversionEvent) *EventValidationError {
	if ev == nil {
		return &EventValidationError{
			CoreIssues: []FieldIssue{{Field: "event", Message: "event is nil"}},
		}
	}

	verr := ValidateStruct(ev)
	if verr == nil {
		return nil
	}

	out := &EventValidationError{}
	for _, fe := range verr.Errors() {
		issue := FieldIssue{Field: fe.Field(), Message: fe.Error()}
		if enhancedFields[fe.Field()] {
			out.EnhancedIssues = append(out.EnhancedIssues, issue)
		} else {
			out.CoreIssues = append(out.CoreIssues, issue)
		}
	}
	return out
}

// StripInvalidEnhanced removes the entire hashed-identifier payload from
// an event whose enhanced fields failed validation, degrading it to a
// standard conversion. It returns the names of the dropped fields for the
// attempt-log details. Core fields are never touched.
func StripInvalidEnhanced(ev *models.ConversionEvent, verr *EventValidationError) []string {
	if ev == nil || verr == nil || len(verr.EnhancedIssues) == 0 {
		return nil
	}

	dropped := make([]string, 0, len(verr.EnhancedIssues))
	for _, issue := range verr.EnhancedIssues {
		dropped = append(dropped, issue.Field)
	}

	// One bad identifier poisons the whole enhanced payload: the platform
	// rejects rows with malformed user identifiers outright, so a partial
	// strip would trade a validation error for an upload error.
	ev.UserIdentifiers = models.UserIdentifiers{}
	return dropped
}
