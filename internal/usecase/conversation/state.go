package conversation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chorus/internal/domain"
	"chorus/internal/infra/logger"
)

// Config holds the tunables of the per-group state machine.
type Config struct {
	ActivationThreshold        int
	RecencyWindow              time.Duration
	MessageCap                 int
	EndStepProbability         float64
	LowRelevanceThreshold      float64
	LowRelevanceEndProbability float64
	InactivityWindow           time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		ActivationThreshold:        3,
		RecencyWindow:              10 * time.Minute,
		MessageCap:                 20,
		EndStepProbability:         0.05,
		LowRelevanceThreshold:      0.3,
		LowRelevanceEndProbability: 0.35,
		InactivityWindow:           30 * time.Minute,
	}
}

// End reasons carried by conversation.ended events.
const (
	EndReasonRequested    = "requested"
	EndReasonLength       = "length"
	EndReasonLowRelevance = "low relevance"
	EndReasonInactivity   = "inactivity"
)

// State is the conversation state machine of one group. All methods are
// safe for concurrent use; mutations are serialized by an internal mutex.
type State struct {
	groupID int64
	selfID  string
	cfg     Config
	rnd     domain.Random
	now     func() time.Time
	newID   func() string
	publish func(domain.Event)
	logger  *slog.Logger

	mu             sync.Mutex
	phase          domain.Phase
	conversationID string
	topic          string
	participants   map[string]struct{}
	messageCount   int
	lastMessageAt  time.Time
	lastSpeakerID  string
	startedAt      time.Time
	// warm is set when the conversation started while the group was
	// already talking; such a conversation activates on lookback.
	warm bool
}

// Phase returns the current phase.
func (s *State) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() domain.ConversationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() domain.ConversationSnapshot {
	parts := make([]string, 0, len(s.participants))
	for p := range s.participants {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	return domain.ConversationSnapshot{
		GroupID:        s.groupID,
		Phase:          s.phase,
		ConversationID: s.conversationID,
		Topic:          s.topic,
		Participants:   parts,
		MessageCount:   s.messageCount,
		LastMessageAt:  s.lastMessageAt,
		LastSpeakerID:  s.lastSpeakerID,
		StartedAt:      s.startedAt,
	}
}

// Initiate moves an INACTIVE group to STARTING with a fresh conversation ID
// and reset counters. It reports false and changes nothing if a
// conversation is already under way.
func (s *State) Initiate(topic string) bool {
	var events []domain.Event
	defer func() { s.emit(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != domain.PhaseInactive {
		return false
	}
	events = append(events, s.startLocked(topic))
	return true
}

// RecordMessage applies one observed message to the state. A message in an
// idle group opens a conversation; a STARTING conversation activates once
// it reaches the activation threshold or, when it started amid ongoing
// chatter, once two participants have spoken.
func (s *State) RecordMessage(senderID, topic string) domain.ConversationSnapshot {
	var events []domain.Event
	defer func() { s.emit(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch s.phase {
	case domain.PhaseInactive:
		events = append(events, s.startLocked(topic))
	case domain.PhaseEnding:
		// An ending conversation only accepts the reset to INACTIVE.
		s.lastMessageAt = now
		s.lastSpeakerID = senderID
		return s.snapshotLocked()
	}

	s.messageCount++
	if senderID != "" {
		s.participants[senderID] = struct{}{}
	}
	if topic != "" {
		s.topic = topic
	}
	s.lastMessageAt = now
	s.lastSpeakerID = senderID

	if s.phase == domain.PhaseStarting && s.readyLocked() {
		s.phase = domain.PhaseActive
		events = append(events, domain.NewEvent(domain.EventConversationActivated, s.groupID, s.snapshotLocked()))
		s.logger.Debug("conversation active",
			"conversation_id", s.conversationID,
			"messages", s.messageCount,
			"participants", len(s.participants))
	}
	return s.snapshotLocked()
}

func (s *State) readyLocked() bool {
	if s.messageCount >= s.cfg.ActivationThreshold {
		return true
	}
	return s.warm && len(s.participants) >= 2
}

// startLocked enters STARTING. lastMessageAt is deliberately kept: it is
// the group's last activity and feeds lookback and idle escalation.
func (s *State) startLocked(topic string) domain.Event {
	now := s.now()
	s.warm = !s.lastMessageAt.IsZero() && now.Sub(s.lastMessageAt) <= s.cfg.RecencyWindow
	s.phase = domain.PhaseStarting
	s.conversationID = s.newID()
	s.topic = topic
	s.participants = make(map[string]struct{})
	s.messageCount = 0
	s.lastSpeakerID = ""
	s.startedAt = now
	s.logger.Info("conversation starting",
		"conversation_id", s.conversationID,
		"topic", topic,
		"warm", s.warm)
	return domain.NewEvent(domain.EventConversationStarted, s.groupID, s.snapshotLocked())
}

// ShouldRespond decides whether this agent takes the next turn after
// senderID. It never answers itself nor the same speaker twice running;
// otherwise it answers with probability 1/participants.
// Call it before RecordMessage for the message being answered.
func (s *State) ShouldRespond(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if senderID == s.selfID {
		return false
	}
	if s.lastSpeakerID != "" && senderID == s.lastSpeakerID {
		return false
	}
	n := len(s.participants)
	if n < 1 {
		n = 1
	}
	return domain.Chance(s.rnd, 1/float64(n))
}

// ShouldEnd evaluates the end conditions of a running conversation.
// relevance is the current topic's relevance to this agent. The checks are
// OR'd and each one draws independently; inactivity ends unconditionally.
func (s *State) ShouldEnd(relevance float64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != domain.PhaseStarting && s.phase != domain.PhaseActive {
		return false, ""
	}
	last := s.lastMessageAt
	if last.Before(s.startedAt) {
		last = s.startedAt
	}
	if s.now().Sub(last) > s.cfg.InactivityWindow {
		return true, EndReasonInactivity
	}
	if over := s.messageCount - s.cfg.MessageCap; over > 0 {
		if domain.Chance(s.rnd, float64(over)*s.cfg.EndStepProbability) {
			return true, EndReasonLength
		}
	}
	if s.topic != "" && relevance < s.cfg.LowRelevanceThreshold {
		if domain.Chance(s.rnd, s.cfg.LowRelevanceEndProbability) {
			return true, EndReasonLowRelevance
		}
	}
	return false, ""
}

// End closes the running conversation, passing through ENDING, and resets
// the group to INACTIVE. It reports false when nothing was running.
func (s *State) End(reason string) (domain.ConversationEndPayload, bool) {
	var events []domain.Event
	defer func() { s.emit(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == domain.PhaseInactive {
		return domain.ConversationEndPayload{}, false
	}
	announced := s.phase == domain.PhaseEnding
	s.phase = domain.PhaseEnding
	summary := domain.ConversationEndPayload{
		ConversationID: s.conversationID,
		Topic:          s.topic,
		MessageCount:   s.messageCount,
		Reason:         reason,
	}
	s.resetLocked()
	if !announced {
		events = append(events, domain.NewEvent(domain.EventConversationEnded, s.groupID, summary))
	}
	s.logger.Info("conversation ended",
		"conversation_id", summary.ConversationID,
		"messages", summary.MessageCount,
		"reason", reason)
	return summary, true
}

func (s *State) resetLocked() {
	s.phase = domain.PhaseInactive
	s.conversationID = ""
	s.topic = ""
	s.participants = make(map[string]struct{})
	s.messageCount = 0
	s.lastSpeakerID = ""
	s.startedAt = time.Time{}
	s.warm = false
}

// Transition requests an explicit phase change. Invalid requests are
// clamped to the nearest valid phase instead of failing; the phase actually
// reached is returned. INACTIVE never jumps straight to ACTIVE.
func (s *State) Transition(to domain.Phase) domain.Phase {
	var events []domain.Event
	defer func() { s.emit(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	target := clamp(from, to)
	if target != to {
		err := domain.NewDomainError("State.Transition", domain.ErrInvalidTransition,
			fmt.Sprintf("%s -> %s clamped to %s", from, to, target))
		s.logger.Warn("phase transition clamped", "group_id", s.groupID, logger.Err(err))
	}
	if target == from {
		return from
	}

	switch target {
	case domain.PhaseStarting:
		events = append(events, s.startLocked(s.topic))
	case domain.PhaseActive:
		s.phase = domain.PhaseActive
		events = append(events, domain.NewEvent(domain.EventConversationActivated, s.groupID, s.snapshotLocked()))
	case domain.PhaseEnding:
		events = append(events, s.endedEventLocked(EndReasonRequested))
		s.phase = domain.PhaseEnding
	case domain.PhaseInactive:
		if from != domain.PhaseEnding {
			events = append(events, s.endedEventLocked(EndReasonRequested))
		}
		s.resetLocked()
	}
	return s.phase
}

func (s *State) endedEventLocked(reason string) domain.Event {
	return domain.NewEvent(domain.EventConversationEnded, s.groupID, domain.ConversationEndPayload{
		ConversationID: s.conversationID,
		Topic:          s.topic,
		MessageCount:   s.messageCount,
		Reason:         reason,
	})
}

// clamp maps a requested transition onto the cycle
// INACTIVE -> STARTING -> ACTIVE -> ENDING -> INACTIVE.
// STARTING may also be abandoned, and any running phase may reset.
func clamp(from, to domain.Phase) domain.Phase {
	switch from {
	case domain.PhaseInactive:
		switch to {
		case domain.PhaseStarting, domain.PhaseActive:
			return domain.PhaseStarting
		default:
			return domain.PhaseInactive
		}
	case domain.PhaseStarting:
		return to
	case domain.PhaseActive:
		if to == domain.PhaseStarting {
			return domain.PhaseActive
		}
		return to
	case domain.PhaseEnding:
		if to == domain.PhaseEnding {
			return domain.PhaseEnding
		}
		return domain.PhaseInactive
	}
	return from
}

func (s *State) emit(events []domain.Event) {
	if s.publish == nil {
		return
	}
	for _, e := range events {
		s.publish(e)
	}
}
