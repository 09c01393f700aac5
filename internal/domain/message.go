package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageStatus is the delivery state of an outbound RelayMessage.
type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSent    MessageStatus = "SENT"
	StatusFailed  MessageStatus = "FAILED"
)

// RelayMessage is one outbound unit in the send queue.
type RelayMessage struct {
	ID          string        `json:"id"`
	FromAgentID string        `json:"from_agent_id"`
	GroupID     int64         `json:"group_id"`
	Text        string        `json:"text"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	Status      MessageStatus `json:"status"`
	Retries     int           `json:"retries"`
}

// FlexID accepts a JSON number or string. Platform message and chat IDs
// arrive as either depending on which relay build forwarded them.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex id: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Int64 parses the ID as a signed integer. Zero means absent or unparseable.
func (f FlexID) Int64() int64 {
	v, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// WireUser is the "from" object of an inbound relay message.
type WireUser struct {
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// WireChat is the "chat" object of an inbound relay message.
type WireChat struct {
	ID FlexID `json:"id"`
}

// WireMessage is the raw shape delivered by the relay subscription.
type WireMessage struct {
	MessageID     FlexID   `json:"message_id"`
	From          WireUser `json:"from"`
	Chat          WireChat `json:"chat"`
	Text          string   `json:"text"`
	Date          int64    `json:"date"`
	SenderAgentID string   `json:"sender_agent_id,omitempty"`
}

// InboundMessage is a normalized inbound message as seen by the router.
type InboundMessage struct {
	ID         string    `json:"id"`
	GroupID    int64     `json:"group_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	IsBot      bool      `json:"is_bot"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	Source     string    `json:"source,omitempty"`
}

// Verdict is the router's classification of an inbound message.
type Verdict string

const (
	VerdictProcess Verdict = "PROCESS"
	VerdictIgnore  Verdict = "IGNORE"
)

// Decision reasons, recorded for observability.
const (
	ReasonMalformed   = "malformed"
	ReasonSelf        = "self"
	ReasonPolicy      = "policy"
	ReasonMention     = "direct mention"
	ReasonTurnTaken   = "turn taken"
	ReasonTurnSkipped = "turn skipped"
	ReasonEngaged     = "unprompted engagement"
	ReasonNotEngaged  = "not engaged"
	ReasonUnmonitored = "unmonitored"
	ReasonDuplicate   = "duplicate"
)

// Decision is the outcome of routing one inbound message.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
	// Matched is the identifier that produced a direct mention, if any.
	Matched string `json:"matched,omitempty"`
}

// Process reports whether the decision is PROCESS.
func (d Decision) Process() bool { return d.Verdict == VerdictProcess }
