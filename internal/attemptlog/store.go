// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package attemptlog is the append-only record of every conversion
// delivery attempt, client or server. It is the single source of truth
// both delivery paths write to and that reconciliation and health checks
// read from.
//
// Entries are never mutated after creation. Duplicate retries are expected
// and not deduplicated at write time; reconciliation dedups at read time
// via "any success for (booking, type)". Retention is enforced through
// BadgerDB entry TTLs.
package attemptlog

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yamakawa-tours/converge/internal/models"
)

// Key prefixes for BadgerDB storage. The time-ordered key drives range
// scans for reconciliation; the booking key drives point lookups.
const (
	timeKeyPrefix    = "attempt:"
	bookingKeyPrefix = "booking:"
)

// DefaultRetention is how long attempt entries are kept before BadgerDB
// expires them.
const DefaultRetention = 90 * 24 * time.Hour

// Store is the BadgerDB-backed attempt log.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// New creates a store on an already-open BadgerDB. The caller owns the
// database lifecycle; the alert history shares the same instance.
func New(db *badger.DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention}
}

// OpenBadger opens a BadgerDB suitable for the attempt log. With inMemory
// set, nothing touches disk; tests use this.
func OpenBadger(dir string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Append writes one attempt entry. The entry is assigned an ID and, if
// unset, a timestamp; it is stored under both a time-ordered key and a
// booking-keyed index, each expiring after the retention window.
func (s *Store) Append(ctx context.Context, entry *models.AttemptLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.BookingID == "" {
		return fmt.Errorf("append attempt: booking id is required")
	}
	if !entry.ConversionType.Valid() {
		return fmt.Errorf("append attempt: unknown conversion type %q", entry.ConversionType)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal attempt entry: %w", err)
	}

	timeKey := []byte(timeKey(entry.Timestamp, entry.ID))
	bookingKey := []byte(bookingKey(entry.BookingID, entry.ConversionType, entry.Timestamp, entry.ID))

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(timeKey, data).WithTTL(s.retention)); err != nil {
			return fmt.Errorf("set time key: %w", err)
		}
		if err := txn.SetEntry(badger.NewEntry(bookingKey, data).WithTTL(s.retention)); err != nil {
			return fmt.Errorf("set booking key: %w", err)
		}
		return nil
	})
}

// ByBooking returns every attempt for a booking, oldest first.
func (s *Store) ByBooking(ctx context.Context, bookingID string) ([]models.AttemptLogEntry, error) {
	prefix := []byte(bookingKeyPrefix + bookingID + ":")
	return s.scan(ctx, prefix, nil)
}

// Range returns every attempt with timestamp in the half-open window
// [start, end), oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]models.AttemptLogEntry, error) {
	prefix := []byte(timeKeyPrefix)
	keep := func(e *models.AttemptLogEntry) bool {
		return !e.Timestamp.Before(start) && e.Timestamp.Before(end)
	}
	return s.scan(ctx, prefix, keep)
}

// Stats counts total and failed attempts in [start, end). The health
// monitor uses this for the recent-error-rate check.
func (s *Store) Stats(ctx context.Context, start, end time.Time) (total, failures int, err error) {
	entries, err := s.Range(ctx, start, end)
	if err != nil {
		return 0, 0, err
	}
	for i := range entries {
		total++
		if !entries[i].Success {
			failures++
		}
	}
	return total, failures, nil
}

// scan iterates a key prefix and decodes entries, optionally filtered.
func (s *Store) scan(ctx context.Context, prefix []byte, keep func(*models.AttemptLogEntry) bool) ([]models.AttemptLogEntry, error) {
	var out []models.AttemptLogEntry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry models.AttemptLogEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode attempt entry: %w", err)
			}
			if keep == nil || keep(&entry) {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// timeKey builds the time-ordered key. Nanoseconds are zero-padded so
// lexicographic order equals chronological order.
func timeKey(ts time.Time, id string) string {
	return fmt.Sprintf("%s%020d:%s", timeKeyPrefix, ts.UnixNano(), id)
}

// bookingKey builds the per-booking index key.
func bookingKey(bookingID string, ct models.ConversionType, ts time.Time, id string) string {
	return fmt.Sprintf("%s%s:%s:%020d:%s", bookingKeyPrefix, bookingID, ct, ts.UnixNano(), id)
}
