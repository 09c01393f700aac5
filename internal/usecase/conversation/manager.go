package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/internal/domain"
)

// Manager owns the State of every group this agent has seen. States are
// created lazily on first use and live for the process lifetime.
type Manager struct {
	selfID string
	cfg    Config
	rnd    domain.Random
	now    func() time.Time
	newID  func() string
	bus    domain.EventBus
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[int64]*State
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandom overrides the draw source used by turn-taking and ending.
func WithRandom(r domain.Random) Option {
	return func(m *Manager) { m.rnd = r }
}

// WithIDGenerator overrides how conversation IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithEventBus publishes conversation lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a Manager for the agent selfID.
func NewManager(selfID string, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		selfID: selfID,
		cfg:    cfg,
		rnd:    domain.NewLockedRandom(time.Now().UnixNano()),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With("component", "conversation"),
		groups: make(map[int64]*State),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the State of groupID, creating an INACTIVE one on first use.
func (m *Manager) Get(groupID int64) *State {
	m.mu.RLock()
	st, ok := m.groups[groupID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.groups[groupID]; ok {
		return st
	}
	st = &State{
		groupID:      groupID,
		selfID:       m.selfID,
		cfg:          m.cfg,
		rnd:          m.rnd,
		now:          m.now,
		newID:        m.newID,
		publish:      m.publish,
		logger:       m.logger.With("group_id", groupID),
		phase:        domain.PhaseInactive,
		participants: make(map[string]struct{}),
	}
	m.groups[groupID] = st
	return st
}

// Groups returns the IDs of every group with a State, ascending.
func (m *Manager) Groups() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) publish(e domain.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), e)
}

// ShouldRespond applies the turn-taking policy of groupID's conversation.
func (m *Manager) ShouldRespond(groupID int64, senderID string) bool {
	return m.Get(groupID).ShouldRespond(senderID)
}
