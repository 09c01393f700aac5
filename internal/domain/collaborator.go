package domain

import "context"

// ConversationContext is what the response generator sees about the group.
type ConversationContext struct {
	Conversation ConversationSnapshot `json:"conversation"`
	Character    Character            `json:"character"`
	Decision     Decision             `json:"decision"`
	// Opening is set when the generator is asked to start a topic rather
	// than reply. Invitees lists the agents the opener should address.
	Opening  bool     `json:"opening,omitempty"`
	Invitees []string `json:"invitees,omitempty"`
}

// ResponseGenerator produces the text of a reply. An empty string means
// the generator chose not to speak.
type ResponseGenerator interface {
	Generate(ctx context.Context, msg InboundMessage, convCtx ConversationContext) (string, error)
}

// RelevanceFunc scores how well a topic fits this agent's interests, 0..1.
type RelevanceFunc func(topic string) float64

// PlatformSender delivers text straight to the chat platform, bypassing the
// relay. Used as the degraded-mode path when registration fails.
type PlatformSender interface {
	SendText(ctx context.Context, groupID int64, text string) error
	Name() string
}

// Random is the draw source for every probabilistic decision.
type Random interface {
	Float64() float64
	Intn(n int) int
}
