package routing

import (
	"strings"
	"time"

	"chorus/internal/domain"
)

// Source labels for normalized messages.
const (
	SourceRelay    = "relay"
	SourcePlatform = "platform"
)

// Normalize converts a raw relay frame into the router's message shape.
// Missing fields are left empty; Route decides whether that is malformed.
func Normalize(w domain.WireMessage, source string, now time.Time) domain.InboundMessage {
	sender := strings.TrimSpace(w.SenderAgentID)
	if sender == "" {
		sender = strings.TrimPrefix(strings.TrimSpace(w.From.Username), "@")
	}
	sentAt := now
	if w.Date > 0 {
		sentAt = time.Unix(w.Date, 0).UTC()
	}
	return domain.InboundMessage{
		ID:         string(w.MessageID),
		GroupID:    w.Chat.ID.Int64(),
		SenderID:   sender,
		SenderName: strings.TrimSpace(w.From.Username),
		IsBot:      w.From.IsBot || w.SenderAgentID != "",
		Text:       strings.TrimSpace(w.Text),
		SentAt:     sentAt,
		Source:     source,
	}
}
