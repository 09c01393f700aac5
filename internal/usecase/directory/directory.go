package directory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chorus/internal/domain"
)

// Config holds directory tunables.
type Config struct {
	StaleAfter time.Duration
	MaxTopics  int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{StaleAfter: 10 * time.Minute, MaxTopics: 20}
}

// AnnouncePayload is carried by agent.announced and agent.registered events.
type AnnouncePayload struct {
	AgentID string   `json:"agent_id"`
	Topics  []string `json:"topics,omitempty"`
}

type entry struct {
	agent domain.Agent
	// groups records where the agent was last seen, by group ID.
	groups map[int64]time.Time
}

// Directory is this process's local belief about the other agents on the
// relay and the topics being discussed. It is advisory: two processes may
// disagree briefly and nothing depends on them agreeing.
type Directory struct {
	self          domain.Character
	selfRelevance domain.RelevanceFunc
	cfg           Config
	now           func() time.Time
	bus           domain.EventBus
	logger        *slog.Logger

	mu     sync.RWMutex
	agents map[string]*entry
	topics map[string]*domain.TopicRecord
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithEventBus publishes directory events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(d *Directory) { d.bus = bus }
}

// WithSelfRelevance sets the function scoring topics for this agent.
// Without it the agent's declared topics are scored like anyone else's,
// through EstimateOverlap. The agent binary leaves it unset, so overlap
// against Character.Topics is the production scorer; the option exists for
// embedders with a richer character model.
func WithSelfRelevance(fn domain.RelevanceFunc) Option {
	return func(d *Directory) { d.selfRelevance = fn }
}

// New creates a Directory for the character self.
func New(self domain.Character, cfg Config, logger *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		self:   self,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "directory"),
		agents: make(map[string]*entry),
		topics: make(map[string]*domain.TopicRecord),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterAgent records agentID as available with its declared topics.
// A nil topics slice keeps whatever was known before.
func (d *Directory) RegisterAgent(agentID string, topics []string) {
	if agentID == "" {
		return
	}
	d.mu.Lock()
	e, revived := d.touchLocked(agentID, 0)
	if topics != nil {
		e.agent.PreferredTopics = append([]string(nil), topics...)
	}
	d.mu.Unlock()

	if revived {
		d.publish(domain.NewEvent(domain.EventAgentRegistered, 0, AnnouncePayload{AgentID: agentID, Topics: topics}))
		d.logger.Debug("agent registered", "agent_id", agentID, "topics", topics)
	}
}

// Touch records activity from agentID in groupID, registering it if unknown.
func (d *Directory) Touch(agentID string, groupID int64) {
	if agentID == "" {
		return
	}
	d.mu.Lock()
	_, revived := d.touchLocked(agentID, groupID)
	d.mu.Unlock()

	if revived {
		d.publish(domain.NewEvent(domain.EventAgentRegistered, groupID, AnnouncePayload{AgentID: agentID}))
	}
}

// touchLocked reports whether the agent was unknown or unavailable before.
func (d *Directory) touchLocked(agentID string, groupID int64) (*entry, bool) {
	now := d.now()
	e, ok := d.agents[agentID]
	if !ok {
		e = &entry{agent: domain.Agent{ID: agentID}, groups: make(map[int64]time.Time)}
		d.agents[agentID] = e
	}
	revived := !e.agent.Available
	e.agent.Available = true
	e.agent.LastActiveAt = now
	if groupID != 0 {
		e.groups[groupID] = now
	}
	return e, revived
}

// MarkUnavailable flags agentID as unreachable. The entry is kept and is
// revived by the next activity signal.
func (d *Directory) MarkUnavailable(agentID string) {
	d.mu.Lock()
	e, ok := d.agents[agentID]
	changed := ok && e.agent.Available
	if changed {
		e.agent.Available = false
	}
	d.mu.Unlock()

	if changed {
		d.publish(domain.NewEvent(domain.EventAgentUnavailable, 0, AnnouncePayload{AgentID: agentID}))
	}
}

// IsAvailable reports whether agentID is known, available and not stale.
func (d *Directory) IsAvailable(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.agents[agentID]
	return ok && e.agent.Available && !d.staleLocked(e, d.now())
}

// IsKnownAgent reports whether agentID has ever been seen as an agent.
func (d *Directory) IsKnownAgent(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[agentID]
	return ok
}

func (d *Directory) staleLocked(e *entry, now time.Time) bool {
	return now.Sub(e.agent.LastActiveAt) > d.cfg.StaleAfter
}

// Prune marks every stale agent unavailable and returns how many changed.
func (d *Directory) Prune() int {
	now := d.now()
	var gone []string

	d.mu.Lock()
	for id, e := range d.agents {
		if id == d.self.AgentID {
			continue
		}
		if e.agent.Available && d.staleLocked(e, now) {
			e.agent.Available = false
			gone = append(gone, id)
		}
	}
	d.mu.Unlock()

	sort.Strings(gone)
	for _, id := range gone {
		d.publish(domain.NewEvent(domain.EventAgentUnavailable, 0, AnnouncePayload{AgentID: id}))
		d.logger.Debug("agent went stale", "agent_id", id)
	}
	return len(gone)
}

// GetAvailableAgents prunes stale entries and returns the IDs of available
// agents that are not excluded and, when groupID is non-zero, have been
// seen in that group or have no group history at all. The result is sorted.
func (d *Directory) GetAvailableAgents(groupID int64, exclude ...string) []string {
	d.Prune()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	var out []string
	for id, e := range d.agents {
		if skip[id] || !e.agent.Available || d.staleLocked(e, now) {
			continue
		}
		if groupID != 0 && len(e.groups) > 0 {
			if _, seen := e.groups[groupID]; !seen {
				continue
			}
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Agents returns a copy of every known agent, sorted by ID.
func (d *Directory) Agents() []domain.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Agent, 0, len(d.agents))
	for _, e := range d.agents {
		a := e.agent
		a.PreferredTopics = append([]string(nil), a.PreferredTopics...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EstimateTopicRelevance scores how interested agentID is in topic, 0..1.
func (d *Directory) EstimateTopicRelevance(agentID, topic string) float64 {
	if agentID == d.self.AgentID {
		return d.SelfRelevance(topic)
	}
	d.mu.RLock()
	e, ok := d.agents[agentID]
	var interests []string
	if ok {
		interests = e.agent.PreferredTopics
	}
	d.mu.RUnlock()
	return EstimateOverlap(topic, interests)
}

// SelfRelevance scores topic for this agent.
func (d *Directory) SelfRelevance(topic string) float64 {
	if d.selfRelevance != nil {
		return domain.Clamp01(d.selfRelevance(topic))
	}
	return EstimateOverlap(topic, d.self.Topics)
}

// TrackTopic upserts the record for topic. A newly seen topic is scored
// for every known agent; the set is bounded by evicting the topic
// discussed least recently.
func (d *Directory) TrackTopic(topic string) domain.TopicRecord {
	key := normalize(topic)
	if key == "" {
		return domain.TopicRecord{}
	}
	now := d.now()

	d.mu.Lock()
	rec, ok := d.topics[key]
	if ok {
		rec.MessageCount++
		rec.LastDiscussedAt = now
		out := copyRecord(rec)
		d.mu.Unlock()
		return out
	}

	rec = &domain.TopicRecord{
		Topic:                 key,
		RelevanceScoreByAgent: make(map[string]float64, len(d.agents)+1),
		LastDiscussedAt:       now,
		MessageCount:          1,
	}
	for id, e := range d.agents {
		if id == d.self.AgentID {
			continue
		}
		rec.RelevanceScoreByAgent[id] = EstimateOverlap(key, e.agent.PreferredTopics)
	}
	d.topics[key] = rec
	evicted := d.evictLocked()
	out := copyRecord(rec)
	d.mu.Unlock()

	// Self relevance may call out of the directory; score it unlocked.
	self := d.SelfRelevance(key)
	d.mu.Lock()
	if live, ok := d.topics[key]; ok {
		live.RelevanceScoreByAgent[d.self.AgentID] = self
	}
	d.mu.Unlock()
	out.RelevanceScoreByAgent[d.self.AgentID] = self

	if evicted != "" {
		d.logger.Debug("topic evicted", "topic", evicted)
	}
	d.publish(domain.NewEvent(domain.EventTopicTracked, 0, out))
	return out
}

func (d *Directory) evictLocked() string {
	if d.cfg.MaxTopics <= 0 || len(d.topics) <= d.cfg.MaxTopics {
		return ""
	}
	var oldest string
	var oldestAt time.Time
	for k, r := range d.topics {
		if oldest == "" || r.LastDiscussedAt.Before(oldestAt) ||
			(r.LastDiscussedAt.Equal(oldestAt) && k < oldest) {
			oldest, oldestAt = k, r.LastDiscussedAt
		}
	}
	delete(d.topics, oldest)
	return oldest
}

// Topic returns the record for topic, if tracked.
func (d *Directory) Topic(topic string) (domain.TopicRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.topics[normalize(topic)]
	if !ok {
		return domain.TopicRecord{}, false
	}
	return copyRecord(rec), true
}

// Topics returns every tracked topic, most recently discussed first.
func (d *Directory) Topics() []domain.TopicRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.TopicRecord, 0, len(d.topics))
	for _, r := range d.topics {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastDiscussedAt.Equal(out[j].LastDiscussedAt) {
			return out[i].Topic < out[j].Topic
		}
		return out[i].LastDiscussedAt.After(out[j].LastDiscussedAt)
	})
	return out
}

// Announce refreshes this agent's own entry and publishes its availability
// and interests. It is local bookkeeping only.
func (d *Directory) Announce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	e, _ := d.touchLocked(d.self.AgentID, 0)
	e.agent.PreferredTopics = append([]string(nil), d.self.Topics...)
	d.mu.Unlock()

	d.publish(domain.NewEvent(domain.EventAgentAnnounced, 0, AnnouncePayload{
		AgentID: d.self.AgentID,
		Topics:  d.self.Topics,
	}))
	return nil
}

func copyRecord(r *domain.TopicRecord) domain.TopicRecord {
	out := *r
	out.RelevanceScoreByAgent = make(map[string]float64, len(r.RelevanceScoreByAgent))
	for k, v := range r.RelevanceScoreByAgent {
		out.RelevanceScoreByAgent[k] = v
	}
	return out
}

func (d *Directory) publish(e domain.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(context.Background(), e)
}
