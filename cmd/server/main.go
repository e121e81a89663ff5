// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Command server runs the conversion delivery and reconciliation engine:
// the client-path dispatcher behind the track endpoint, the server-side
// backup consumer, the health monitor and the reconciliation API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yamakawa-tours/converge/internal/adplatform"
	"github.com/yamakawa-tours/converge/internal/api"
	"github.com/yamakawa-tours/converge/internal/attemptlog"
	"github.com/yamakawa-tours/converge/internal/backup"
	"github.com/yamakawa-tours/converge/internal/bookings"
	"github.com/yamakawa-tours/converge/internal/config"
	"github.com/yamakawa-tours/converge/internal/dispatcher"
	"github.com/yamakawa-tours/converge/internal/health"
	"github.com/yamakawa-tours/converge/internal/ingest"
	"github.com/yamakawa-tours/converge/internal/logging"
	"github.com/yamakawa-tours/converge/internal/models"
	"github.com/yamakawa-tours/converge/internal/reconcile"
	"github.com/yamakawa-tours/converge/internal/supervisor"
)

func main() {
	logging.Init(logging.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Caller = cfg.Logging.Caller
	logging.Init(logCfg)

	logging.Info().Str("addr", cfg.Server.Addr).Msg("starting conversion engine")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("engine exited with error")
	}
	logging.Info().Msg("engine stopped")
}

func run(cfg *config.Config) error {
	// Shared BadgerDB: attempt log and alert history.
	db, err := attemptlog.OpenBadger(cfg.AttemptLog.Dir, cfg.AttemptLog.InMemory)
	if err != nil {
		return err
	}
	defer db.Close()

	attempts := attemptlog.New(db, cfg.AttemptLog.Retention())

	bookingStore, err := bookings.Open(cfg.Bookings.Path)
	if err != nil {
		return err
	}
	defer bookingStore.Close()

	var notifier health.Notifier
	if cfg.Health.WebhookURL != "" {
		notifier = health.NewWebhookNotifier(cfg.Health.WebhookURL, cfg.Health.WebhookTimeout,
			cfg.Health.Environment, cfg.Health.Service)
	}
	alerts := health.NewAlertService(db, notifier, cfg.Health.Retention())

	tokens := adplatform.NewRefreshTokenSource(cfg.Ads.TokenURL, cfg.Ads.ClientID,
		cfg.Ads.ClientSecret, cfg.Ads.RefreshToken, cfg.Ads.UploadTimeout, nil)
	uploader := adplatform.NewClient(adplatform.Config{
		CustomerID:     cfg.Ads.CustomerID,
		DeveloperToken: cfg.Ads.DeveloperToken,
		UploadURL:      cfg.Ads.UploadURL,
		Timeout:        cfg.Ads.UploadTimeout,
		RatePerSecond:  cfg.Ads.RatePerSecond,
		Burst:          cfg.Ads.Burst,
	}, tokens)

	labels := make(map[models.Action]string, len(models.Actions))
	for _, action := range models.Actions {
		if label, ok := cfg.Ads.Label(action); ok {
			labels[action] = label
		}
	}

	queue := ingest.NewGoChannelQueue()
	defer queue.Close()

	disp, err := dispatcher.New(dispatcher.Config{
		MaxRetries:      cfg.Dispatcher.MaxRetries,
		BackoffBase:     cfg.Dispatcher.BackoffBase,
		BackoffMaxDelay: cfg.Dispatcher.BackoffMaxDelay,
		RequestTimeout:  cfg.Dispatcher.RequestTimeout,
	}, dispatcher.Deps{
		Consent: dispatcher.ContextConsent{},
		Primary: dispatcher.NewDirectSink(cfg.Dispatcher.Endpoint, cfg.Dispatcher.RequestTimeout),
		Secondary: []dispatcher.EventSink{
			ingest.NewQueueSink(queue, "conversions.fired"),
		},
		Log:    attempts,
		Alerts: alerts,
		Labels: labels,
	})
	if err != nil {
		return err
	}
	defer disp.Close()

	backupSvc := backup.New(bookingStore, uploader, attempts, alerts, labels[models.ActionPurchase], nil)
	reconciler := reconcile.New(bookingStore, attempts)

	monitor := health.NewMonitor(health.MonitorConfig{
		BasicInterval:      cfg.Health.BasicInterval,
		DeepInterval:       cfg.Health.DeepInterval,
		ErrorRateThreshold: cfg.Health.ErrorRateThreshold,
		ErrorRateWindow:    cfg.Health.ErrorRateWindow,
		CallTimeThreshold:  cfg.Health.CallTimeThreshold,
	}, alerts, attempts, labels, []health.Checker{
		{Name: "bookings-db", Check: bookingStore.Ping},
	}, nil)

	handler := api.NewHandler(disp, backupSvc, reconciler, alerts, attempts)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(api.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins, RateLimit: cfg.Server.RateLimit}, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.DefaultTreeConfig())
	tree.AddHealthService(monitor)
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	if cfg.NATS.Enabled {
		sub, err := ingest.NewSubscriber(ingest.SubscriberConfig{
			URL:              cfg.NATS.URL,
			Topic:            cfg.NATS.Topic,
			StreamName:       cfg.NATS.StreamName,
			QueueGroup:       cfg.NATS.QueueGroup,
			DurableName:      cfg.NATS.DurableName,
			SubscribersCount: cfg.NATS.SubscribersCount,
			MaxReconnects:    cfg.NATS.MaxReconnects,
			ReconnectWait:    cfg.NATS.ReconnectWait,
			AckWaitTimeout:   cfg.NATS.AckWaitTimeout,
			CloseTimeout:     cfg.NATS.CloseTimeout,
		}, nil)
		if err != nil {
			return err
		}
		defer sub.Close()

		tree.AddDeliveryService(ingest.NewConsumer(sub, cfg.NATS.Topic, backupSvc))
	} else {
		logging.Info().Msg("booking consumer disabled, backup path is HTTP-triggered only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	monitor.SetDraining(true)
	return err
}
