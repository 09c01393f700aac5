package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Relay connection lifecycle.
	EventRelayConnected    EventType = "relay.connected"
	EventRelayDisconnected EventType = "relay.disconnected"

	// Outbound queue.
	EventMessageQueued  EventType = "message.queued"
	EventMessageSent    EventType = "message.sent"
	EventMessageFailed  EventType = "message.failed"
	EventMessageDropped EventType = "message.dropped"

	// Inbound routing.
	EventMessageRouted EventType = "message.routed"

	// Conversation lifecycle.
	EventConversationStarted   EventType = "conversation.started"
	EventConversationActivated EventType = "conversation.activated"
	EventConversationEnded     EventType = "conversation.ended"

	// Agent directory.
	EventAgentRegistered  EventType = "agent.registered"
	EventAgentUnavailable EventType = "agent.unavailable"
	EventAgentAnnounced   EventType = "agent.announced"
	EventTopicTracked     EventType = "topic.tracked"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	GroupID   int64           `json:"group_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON payload. A payload that fails to
// marshal is dropped rather than failing the publish.
func NewEvent(t EventType, groupID int64, payload any) Event {
	e := Event{Type: t, Timestamp: time.Now(), GroupID: groupID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// MessageEventPayload is carried by the message.* events.
type MessageEventPayload struct {
	MessageID string `json:"message_id"`
	Retries   int    `json:"retries,omitempty"`
	Error     string `json:"error,omitempty"`
	Via       string `json:"via,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
