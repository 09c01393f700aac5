package domain

import "time"

// Phase is the lifecycle position of a group's conversation.
type Phase string

const (
	PhaseInactive Phase = "INACTIVE"
	PhaseStarting Phase = "STARTING"
	PhaseActive   Phase = "ACTIVE"
	PhaseEnding   Phase = "ENDING"
)

// ConversationSnapshot is a read-only copy of a group's conversation state.
type ConversationSnapshot struct {
	GroupID        int64     `json:"group_id"`
	Phase          Phase     `json:"phase"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
	MessageCount   int       `json:"message_count"`
	LastMessageAt  time.Time `json:"last_message_at"`
	LastSpeakerID  string    `json:"last_speaker_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// ConversationEndPayload is carried by conversation.ended events.
type ConversationEndPayload struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic,omitempty"`
	MessageCount   int    `json:"message_count"`
	Reason         string `json:"reason"`
}
