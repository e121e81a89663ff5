// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

// Package ingest connects the engine to the storefront's messaging
// fabric: a durable JetStream consumer that triggers the server-side
// backup path on booking confirmations, and an in-process queue sink the
// dispatcher fans out to.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/yamakawa-tours/converge/internal/backup"
	"github.com/yamakawa-tours/converge/internal/logging"
)

// SubscriberConfig holds the JetStream consumer settings.
type SubscriberConfig struct {
	URL              string
	Topic            string
	StreamName       string
	QueueGroup       string
	DurableName      string
	SubscribersCount int
	MaxReconnects    int
	ReconnectWait    time.Duration
	AckWaitTimeout   time.Duration
	CloseTimeout     time.Duration
}

// NewSubscriber creates a durable JetStream subscriber bound to the
// booking stream. Queue-group consumption keeps multiple engine
// instances from double-firing backups for the same confirmation.
func NewSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("subscriber reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.AckWait(cfg.AckWaitTimeout),
		natsgo.DeliverNew(),
	}

	// Bind to the storefront's stream when one is named; AutoProvision
	// only applies to self-contained deployments.
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create booking subscriber: %w", err)
	}
	return sub, nil
}

// Converter runs the server-side backup for one booking. Satisfied by
// *backup.Service.
type Converter interface {
	ValidateAndConvert(ctx context.Context, bookingID string) *backup.Result
}

// bookingConfirmed is the wire shape of a confirmation message. Only the
// booking ID matters; the backup path re-reads the record itself rather
// than trusting message contents.
type bookingConfirmed struct {
	BookingID string `json:"booking_id"`
}

// Consumer drives the backup path from booking-confirmed messages. It is
// run as a suture service.
type Consumer struct {
	sub       message.Subscriber
	topic     string
	converter Converter
}

// NewConsumer creates a consumer on an existing subscriber.
func NewConsumer(sub message.Subscriber, topic string, converter Converter) *Consumer {
	return &Consumer{sub: sub, topic: topic, converter: converter}
}

// String implements fmt.Stringer for supervisor logs.
func (c *Consumer) String() string { return "booking-consumer" }

// Serve consumes confirmations until ctx is canceled. Every message is
// acked regardless of backup outcome: the attempt log already recorded
// the failure, and redelivering a malformed or failed message would just
// replay the same result.
func (c *Consumer) Serve(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}

	logging.Info().Str("topic", c.topic).Msg("booking consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var confirmed bookingConfirmed
	if err := json.Unmarshal(msg.Payload, &confirmed); err != nil {
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("malformed booking confirmation")
		return
	}
	if confirmed.BookingID == "" {
		logging.Error().Str("message_uuid", msg.UUID).Msg("booking confirmation without booking id")
		return
	}

	result := c.converter.ValidateAndConvert(ctx, confirmed.BookingID)
	if !result.Success {
		logging.Warn().
			Str("booking_id", confirmed.BookingID).
			Str("detail", result.Detail).
			Msg("backup conversion did not complete")
	}
}
