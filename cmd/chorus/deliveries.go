package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"chorus/internal/domain"
)

// DeliveryStats counts replies the outbound queue gave up on.
type DeliveryStats struct {
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Failed returns the number of replies that exhausted their retries.
func (s *DeliveryStats) Failed() uint64 { return s.failed.Load() }

// Dropped returns the number of replies evicted from a full queue.
func (s *DeliveryStats) Dropped() uint64 { return s.dropped.Load() }

// watch subscribes to the terminal message events on bus and returns the
// combined unsubscribe function.
func (s *DeliveryStats) watch(bus domain.EventBus, log *slog.Logger) func() {
	offFailed := bus.Subscribe(domain.EventMessageFailed, func(_ context.Context, e domain.Event) {
		n := s.failed.Add(1)
		p := messagePayload(e)
		log.Warn("reply not delivered",
			"group_id", e.GroupID,
			"message_id", p.MessageID,
			"retries", p.Retries,
			"error", p.Error,
			"failed_total", n)
	})
	offDropped := bus.Subscribe(domain.EventMessageDropped, func(_ context.Context, e domain.Event) {
		n := s.dropped.Add(1)
		log.Warn("reply evicted from outbound queue",
			"group_id", e.GroupID,
			"message_id", messagePayload(e).MessageID,
			"dropped_total", n)
	})
	return func() {
		offFailed()
		offDropped()
	}
}

func messagePayload(e domain.Event) domain.MessageEventPayload {
	var p domain.MessageEventPayload
	if len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &p)
	}
	return p
}
