package domain

import "time"

// Agent is this process's belief about one participant agent on the relay.
// Entries are never hard-deleted; a stale agent is only marked unavailable.
type Agent struct {
	ID              string    `json:"agent_id"`
	Available       bool      `json:"available"`
	LastActiveAt    time.Time `json:"last_active_at"`
	PreferredTopics []string  `json:"preferred_topics,omitempty"`
}

// Character is the identity this process speaks as.
type Character struct {
	AgentID  string   `json:"agent_id"  yaml:"id"`
	Username string   `json:"username"  yaml:"username"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Topics   []string `json:"topics,omitempty"  yaml:"topics,omitempty"`

	// IgnoreBotMessages drops unmentioned traffic from other agents.
	IgnoreBotMessages bool `json:"ignore_bot_messages" yaml:"ignore_bot_messages"`
}
