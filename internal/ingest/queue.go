// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package ingest

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/yamakawa-tours/converge/internal/dispatcher"
)

// NewGoChannelQueue returns the in-process pub/sub used as the tag-queue
// fan-out target when no external broker is configured for it.
func NewGoChannelQueue() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger())
}

// QueueSink publishes conversion payloads onto a message topic. The
// dispatcher uses it as a secondary sink, mirroring the tag-manager
// dataLayer push: a well-formed object with an event name and the
// canonical fields, consumed by whoever subscribes.
type QueueSink struct {
	pub   message.Publisher
	topic string
}

// NewQueueSink creates a sink publishing to topic.
func NewQueueSink(pub message.Publisher, topic string) *QueueSink {
	return &QueueSink{pub: pub, topic: topic}
}

// Name implements dispatcher.EventSink.
func (s *QueueSink) Name() string { return "queue" }

// Deliver implements dispatcher.EventSink.
func (s *QueueSink) Deliver(_ context.Context, p dispatcher.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	if err := s.pub.Publish(s.topic, message.NewMessage(watermill.NewUUID(), body)); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}
