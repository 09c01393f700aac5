package routing

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"chorus/internal/domain"
)

// TurnPolicy decides whether this agent takes a turn after another agent.
type TurnPolicy interface {
	ShouldRespond(groupID int64, senderID string) bool
}

// AgentLookup reports whether a sender is a known agent on the relay.
type AgentLookup interface {
	IsKnownAgent(agentID string) bool
}

// Config holds router tunables.
type Config struct {
	// HumanEngagement is the chance of answering a human who did not
	// mention this agent.
	HumanEngagement float64
}

// Router classifies inbound messages as PROCESS or IGNORE. Route is
// synchronous and side-effect free apart from random draws.
type Router struct {
	self     domain.Character
	mentions atomic.Pointer[MentionMatcher]
	turns    TurnPolicy
	agents   AgentLookup
	rnd      domain.Random
	cfg      Config
	logger   *slog.Logger
}

// NewRouter creates a Router for the character self.
func NewRouter(self domain.Character, turns TurnPolicy, agents AgentLookup, rnd domain.Random, cfg Config, logger *slog.Logger) *Router {
	r := &Router{
		self:   self,
		turns:  turns,
		agents: agents,
		rnd:    rnd,
		cfg:    cfg,
		logger: logger.With("component", "router"),
	}
	r.mentions.Store(NewMentionMatcher(self))
	return r
}

// AddIdentifiers extends the mention set, e.g. with the platform username
// discovered at startup.
func (r *Router) AddIdentifiers(ids ...string) {
	r.mentions.Store(NewMentionMatcher(r.self, append(r.mentions.Load().extra(), ids...)...))
}

// Route applies the routing rules in order and stops at the first match:
// malformed, self, bot policy, direct mention, bot turn-taking, and
// finally unprompted engagement with humans.
//
// A message is malformed when its text is blank or it carries no group ID.
// Either one alone is enough; a message with text but no group has nowhere
// to be answered.
func (r *Router) Route(msg domain.InboundMessage) domain.Decision {
	d := r.route(msg)
	r.logger.Debug("message routed",
		"group_id", msg.GroupID,
		"message_id", msg.ID,
		"sender", msg.SenderID,
		"verdict", string(d.Verdict),
		"reason", d.Reason,
		"matched", d.Matched)
	return d
}

func (r *Router) route(msg domain.InboundMessage) domain.Decision {
	if strings.TrimSpace(msg.Text) == "" || msg.GroupID == 0 {
		return ignore(domain.ReasonMalformed)
	}
	if r.IsSelf(msg) {
		return ignore(domain.ReasonSelf)
	}

	bot := r.isBot(msg)
	if bot && r.self.IgnoreBotMessages {
		return ignore(domain.ReasonPolicy)
	}

	if id, ok := r.mentions.Load().Match(msg.Text); ok {
		return domain.Decision{Verdict: domain.VerdictProcess, Reason: domain.ReasonMention, Matched: id}
	}

	if bot {
		if r.turns != nil && r.turns.ShouldRespond(msg.GroupID, msg.SenderID) {
			return process(domain.ReasonTurnTaken)
		}
		return ignore(domain.ReasonTurnSkipped)
	}

	if domain.Chance(r.rnd, r.cfg.HumanEngagement) {
		return process(domain.ReasonEngaged)
	}
	return ignore(domain.ReasonNotEngaged)
}

// IsSelf reports whether msg was sent by this agent. Both the canonical
// agent ID and the display username count, compared case-insensitively.
func (r *Router) IsSelf(msg domain.InboundMessage) bool {
	for _, cand := range []string{msg.SenderID, msg.SenderName} {
		cand = strings.TrimPrefix(strings.TrimSpace(cand), "@")
		if cand == "" {
			continue
		}
		if strings.EqualFold(cand, r.self.AgentID) || (r.self.Username != "" && strings.EqualFold(cand, r.self.Username)) {
			return true
		}
	}
	return false
}

func (r *Router) isBot(msg domain.InboundMessage) bool {
	if msg.IsBot {
		return true
	}
	return r.agents != nil && msg.SenderID != "" && r.agents.IsKnownAgent(msg.SenderID)
}

func process(reason string) domain.Decision {
	return domain.Decision{Verdict: domain.VerdictProcess, Reason: reason}
}

func ignore(reason string) domain.Decision {
	return domain.Decision{Verdict: domain.VerdictIgnore, Reason: reason}
}
