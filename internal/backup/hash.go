// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeEmail lowercases, trims and strips gmail-style dots so the
// hash matches what the platform computes on its side.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, found := strings.Cut(email, "@")
	if !found {
		return email
	}
	if domain == "gmail.com" || domain == "googlemail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// NormalizePhone strips everything but digits and a leading plus sign,
// approximating E.164. Numbers without a country prefix are hashed as-is;
// the platform tolerates mismatched formats by simply not matching.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if unicode.IsDigit(r) || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName lowercases and trims a name field before hashing.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HashIdentifier returns the lowercase hex SHA-256 of a normalized
// identifier, or empty for an empty input. Raw identifiers never leave
// this package.
func HashIdentifier(normalized string) string {
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
