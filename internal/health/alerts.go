// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package health watches the delivery pipeline: an alert service that
// records and forwards operational alerts, and a monitor that runs basic
// and deep checks on intervals. Alerting is best-effort: a broken
// webhook must never take the pipeline down with it.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/metrics"
	"github.com/yamakawa-tours/converge/internal/models"
)

// alertKeyPrefix namespaces alert history in the shared BadgerDB.
const alertKeyPrefix = "alert:"

// DefaultAlertRetention is how long alert history is kept.
const DefaultAlertRetention = 90 * 24 * time.Hour

// Notifier forwards an alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// AlertService records alerts, keeps the active set in memory, persists
// history to BadgerDB and forwards to a notifier.
type AlertService struct {
	db        *badger.DB
	notifier  Notifier
	retention time.Duration

	mu     sync.RWMutex
	active map[models.AlertType]models.Alert
}

// NewAlertService creates an alert service on an already-open BadgerDB.
// The notifier may be nil.
func NewAlertService(db *badger.DB, notifier Notifier, retention time.Duration) *AlertService {
	if retention <= 0 {
		retention = DefaultAlertRetention
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &AlertService{
		db:        db,
		notifier:  notifier,
		retention: retention,
		active:    make(map[models.AlertType]models.Alert),
	}
}

// Raise records an alert, replaces any active alert of the same type,
// persists it and forwards it. Raise never fails: persistence and
// notification errors are logged and swallowed.
func (s *AlertService) Raise(ctx context.Context, typ models.AlertType, severity models.AlertSeverity, message string, data map[string]string) {
	alert := models.Alert{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	s.mu.Lock()
	s.active[typ] = alert
	s.mu.Unlock()

	metrics.RecordAlert(string(typ), string(severity))
	logging.Warn().
		Str("alert_type", string(typ)).
		Str("severity", string(severity)).
		Str("alert_id", alert.ID).
		Msg(message)

	if err := s.persist(alert); err != nil {
		logging.Error().Err(err).Str("alert_id", alert.ID).Msg("alert persistence failed")
	}

	if err := s.notifier.Notify(ctx, alert); err != nil {
		logging.Error().Err(err).Str("alert_id", alert.ID).Msg("alert notification failed")
	}
}

// Resolve clears the active alert of the given type, if any. The monitor
// calls this when a previously failing check passes again.
func (s *AlertService) Resolve(typ models.AlertType) {
	s.mu.Lock()
	_, was := s.active[typ]
	delete(s.active, typ)
	s.mu.Unlock()

	if was {
		logging.Info().Str("alert_type", string(typ)).Msg("alert resolved")
	}
}

// Active returns the currently active alerts, one per type.
func (s *AlertService) Active() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	return out
}

// History returns persisted alerts with timestamps in [start, end),
// oldest first. Expired entries are dropped by BadgerDB's TTL.
func (s *AlertService) History(ctx context.Context, start, end time.Time) ([]models.Alert, error) {
	var out []models.Alert

	prefix := []byte(alertKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var alert models.Alert
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &alert)
			}); err != nil {
				return fmt.Errorf("decode alert: %w", err)
			}
			if !alert.Timestamp.Before(start) && alert.Timestamp.Before(end) {
				out = append(out, alert)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// persist writes the alert under a time-ordered key with retention TTL.
func (s *AlertService) persist(alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", alertKeyPrefix, alert.Timestamp.UnixNano(), alert.ID))

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(s.retention))
	})
}
