// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package bookings reads the booking system of record from an embedded
// DuckDB database. The engine treats this table as ground truth for
// reconciliation and for the server-side backup path; it only ever
// inserts through the seed helper used by tooling and tests.
package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/models"
)

// ErrNotFound is returned when no booking exists for the given ID.
var ErrNotFound = errors.New("bookings: not found")

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id             VARCHAR PRIMARY KEY,
	status         VARCHAR NOT NULL,
	amount         DOUBLE NOT NULL,
	currency       VARCHAR NOT NULL,
	tour_id        VARCHAR,
	customer_email VARCHAR,
	customer_phone VARCHAR,
	first_name     VARCHAR,
	last_name      VARCHAR,
	country_code   VARCHAR,
	postal_code    VARCHAR,
	gclid          VARCHAR,
	wbraid         VARCHAR,
	gbraid         VARCHAR,
	utm_campaign   VARCHAR,
	utm_source     VARCHAR,
	utm_medium     VARCHAR,
	created_at     TIMESTAMP NOT NULL
)`

// Store is a DuckDB-backed view of the bookings table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the bookings database at path. An empty
// path opens an in-memory database, used by tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open bookings database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure bookings schema: %w", err)
	}

	logging.Debug().Str("path", path).Msg("bookings database opened")
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. The deep health check calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `id, status, amount, currency, tour_id,
	customer_email, customer_phone, first_name, last_name,
	country_code, postal_code,
	gclid, wbraid, gbraid, utm_campaign, utm_source, utm_medium,
	created_at`

// Get loads one booking by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Booking, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM bookings WHERE id = ?", id)

	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load booking %s: %w", id, err)
	}
	return b, nil
}

// ConfirmedBetween returns the bookings created within [start, end) whose
// status counts as converted. These are the reconciliation population.
func (s *Store) ConfirmedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+` FROM bookings
		WHERE status IN (?, ?) AND created_at >= ? AND created_at < ?
		ORDER BY created_at`,
		string(models.BookingConfirmed), string(models.BookingPaid), start, end)
	if err != nil {
		return nil, fmt.Errorf("query confirmed bookings: %w", err)
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return out, nil
}

// Insert writes a booking row. Used by the seed tooling and tests; the
// storefront owns this table in production.
func (s *Store) Insert(ctx context.Context, b *models.Booking) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, status, amount, currency, tour_id,
			customer_email, customer_phone, first_name, last_name,
			country_code, postal_code,
			gclid, wbraid, gbraid, utm_campaign, utm_source, utm_medium,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.Status), b.Amount, b.Currency, b.TourID,
		b.CustomerEmail, b.CustomerPhone, b.CustomerFirstName, b.CustomerLastName,
		b.CountryCode, b.PostalCode,
		b.Attribution.GCLID, b.Attribution.WBRAID, b.Attribution.GBRAID,
		b.Attribution.UTMCampaign, b.Attribution.UTMSource, b.Attribution.UTMMedium,
		b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(sc scanner) (*models.Booking, error) {
	var (
		b      models.Booking
		status string
	)
	err := sc.Scan(
		&b.ID, &status, &b.Amount, &b.Currency, &b.TourID,
		&b.CustomerEmail, &b.CustomerPhone, &b.CustomerFirstName, &b.CustomerLastName,
		&b.CountryCode, &b.PostalCode,
		&b.Attribution.GCLID, &b.Attribution.WBRAID, &b.Attribution.GBRAID,
		&b.Attribution.UTMCampaign, &b.Attribution.UTMSource, &b.Attribution.UTMMedium,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	return &b, nil
}
