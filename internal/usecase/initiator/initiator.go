package initiator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chorus/internal/domain"
	"chorus/internal/infra/logger"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/conversation"
	"chorus/internal/usecase/directory"
)

// ReasonOpening is the decision reason handed to the generator for an
// unprompted opening message.
const ReasonOpening = "conversation opener"

// Sender queues outbound text for a group.
type Sender interface {
	SendMessage(groupID int64, text string) (string, error)
}

// GeneratorSource reports the response generator if one is attached. It
// never blocks; openers fall back to a template when nothing is ready.
type GeneratorSource interface {
	Ready() (domain.ResponseGenerator, bool)
}

// Config holds the initiator tunables.
type Config struct {
	BaseProbability float64
	EscalationStep  time.Duration
	MaxMultiplier   float64
	MaxInvites      int
	HighRelevance   float64
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BaseProbability: 0.05,
		EscalationStep:  30 * time.Minute,
		MaxMultiplier:   4,
		MaxInvites:      2,
		HighRelevance:   0.8,
	}
}

// TickResult lists the groups a tick acted on.
type TickResult struct {
	Started []int64
	Ended   []int64
}

// Option configures an Initiator.
type Option func(*Initiator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(in *Initiator) { in.now = now }
}

// WithRandom overrides the draw source.
func WithRandom(r domain.Random) Option {
	return func(in *Initiator) { in.rnd = r }
}

// WithGenerators sets where opening text comes from.
func WithGenerators(src GeneratorSource) Option {
	return func(in *Initiator) { in.gens = src }
}

// Initiator starts conversations in quiet groups and ends the ones that
// have run their course. It runs on a timer, not on inbound traffic.
type Initiator struct {
	self   domain.Character
	groups []int64
	convs  *conversation.Manager
	dir    *directory.Directory
	sender Sender
	gens   GeneratorSource
	cfg    Config
	rnd    domain.Random
	now    func() time.Time
	logger *slog.Logger

	// bootedAt stands in for the last activity of a group never heard from.
	bootedAt time.Time
}

// New creates an Initiator for the monitored groups.
func New(self domain.Character, groups []int64, convs *conversation.Manager, dir *directory.Directory, sender Sender, cfg Config, logger *slog.Logger, opts ...Option) *Initiator {
	in := &Initiator{
		self:   self,
		groups: slices.Clone(groups),
		convs:  convs,
		dir:    dir,
		sender: sender,
		cfg:    cfg,
		rnd:    domain.NewLockedRandom(time.Now().UnixNano()),
		now:    time.Now,
		logger: logger.With("component", "initiator"),
	}
	for _, o := range opts {
		o(in)
	}
	in.bootedAt = in.now()
	return in
}

// Tick runs one pass over every monitored group: running conversations
// are checked for an end, idle groups may get an opener.
func (in *Initiator) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := tracer.StartSpan(ctx, "initiator.tick")
	defer span.End()

	var res TickResult
	for _, g := range in.groups {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return res, err
		}
		st := in.convs.Get(g)
		switch st.Phase() {
		case domain.PhaseStarting, domain.PhaseActive:
			snap := st.Snapshot()
			if end, reason := st.ShouldEnd(in.dir.SelfRelevance(snap.Topic)); end {
				if _, ok := st.End(reason); ok {
					res.Ended = append(res.Ended, g)
				}
			}
		case domain.PhaseInactive:
			topic := in.SuggestTopic()
			if !in.ShouldStart(g, topic) {
				continue
			}
			if in.start(ctx, span, g, topic) {
				res.Started = append(res.Started, g)
			}
		}
	}
	span.SetAttributes(
		tracer.IntAttr("initiator.started", len(res.Started)),
		tracer.IntAttr("initiator.ended", len(res.Ended)),
	)
	tracer.SetOK(span)
	return res, nil
}

// StartProbability is the chance of opening a conversation after idle
// time. The base probability escalates by one step per EscalationStep of
// silence, capped at MaxMultiplier, and is scaled by this agent's
// interest in topic when one is suggested.
func (in *Initiator) StartProbability(idle time.Duration, topic string) float64 {
	mult := 1.0
	if in.cfg.EscalationStep > 0 && idle > 0 {
		mult += float64(idle) / float64(in.cfg.EscalationStep)
	}
	if in.cfg.MaxMultiplier > 0 && mult > in.cfg.MaxMultiplier {
		mult = in.cfg.MaxMultiplier
	}
	p := in.cfg.BaseProbability * mult
	if topic != "" {
		p *= in.dir.SelfRelevance(topic)
	}
	return domain.Clamp01(p)
}

// ShouldStart draws once against StartProbability for groupID.
func (in *Initiator) ShouldStart(groupID int64, topic string) bool {
	last := in.convs.Get(groupID).Snapshot().LastMessageAt
	if last.IsZero() {
		last = in.bootedAt
	}
	return domain.Chance(in.rnd, in.StartProbability(in.now().Sub(last), topic))
}

// SuggestTopic picks something to talk about: the most recently discussed
// topic this agent cares strongly about, otherwise one of its own
// interests at random. Empty when the agent declares no interests.
func (in *Initiator) SuggestTopic() string {
	for _, rec := range in.dir.Topics() {
		if in.dir.SelfRelevance(rec.Topic) >= in.cfg.HighRelevance {
			return rec.Topic
		}
	}
	if len(in.self.Topics) == 0 {
		return ""
	}
	return in.self.Topics[in.rnd.Intn(len(in.self.Topics))]
}

type candidate struct {
	id    string
	score float64
}

// DecideInvites picks up to limit available agents in groupID to bring into
// a conversation on topic. The most relevant agent is invited outright
// when it clears HighRelevance; every other slot takes the first
// candidate, in relevance order, whose own relevance draw succeeds, or a
// uniform pick when none does.
func (in *Initiator) DecideInvites(groupID int64, topic string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	ids := in.dir.GetAvailableAgents(groupID, in.self.AgentID)
	if len(ids) == 0 {
		return nil
	}
	pool := make([]candidate, 0, len(ids))
	for _, id := range ids {
		pool = append(pool, candidate{id: id, score: in.dir.EstimateTopicRelevance(id, topic)})
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].score > pool[j].score })

	var picks []string
	if pool[0].score >= in.cfg.HighRelevance {
		picks = append(picks, pool[0].id)
		pool = pool[1:]
	}
	for len(picks) < limit && len(pool) > 0 {
		idx := -1
		for i, c := range pool {
			if domain.Chance(in.rnd, c.score) {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = in.rnd.Intn(len(pool))
		}
		picks = append(picks, pool[idx].id)
		pool = slices.Delete(pool, idx, idx+1)
	}
	return picks
}

func (in *Initiator) start(ctx context.Context, span trace.Span, groupID int64, topic string) bool {
	st := in.convs.Get(groupID)
	if !st.Initiate(topic) {
		return false
	}
	invitees := in.DecideInvites(groupID, topic, in.cfg.MaxInvites)
	text := in.opening(ctx, st.Snapshot(), topic, invitees)

	if _, err := in.sender.SendMessage(groupID, text); err != nil {
		tracer.RecordError(span, err)
		in.logger.Warn("opening message not queued", "group_id", groupID, logger.Err(err))
		st.End(conversation.EndReasonRequested)
		return false
	}
	st.RecordMessage(in.self.AgentID, topic)
	if topic != "" {
		in.dir.TrackTopic(topic)
	}
	in.logger.Info("conversation initiated",
		"group_id", groupID,
		"topic", topic,
		"invitees", invitees)
	return true
}

// opening asks the generator for an opener and falls back to a template
// when none is attached or it declines.
func (in *Initiator) opening(ctx context.Context, snap domain.ConversationSnapshot, topic string, invitees []string) string {
	if in.gens != nil {
		if gen, ok := in.gens.Ready(); ok {
			msg := domain.InboundMessage{
				GroupID:    snap.GroupID,
				SenderID:   in.self.AgentID,
				SenderName: in.self.Username,
				Text:       topic,
				SentAt:     in.now(),
				Source:     "initiator",
			}
			convCtx := domain.ConversationContext{
				Conversation: snap,
				Character:    in.self,
				Decision:     domain.Decision{Verdict: domain.VerdictProcess, Reason: ReasonOpening},
				Opening:      true,
				Invitees:     invitees,
			}
			text, err := gen.Generate(ctx, msg, convCtx)
			if err != nil {
				in.logger.Warn("opener generation failed, using template", "group_id", snap.GroupID, logger.Err(err))
			} else if strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return FallbackOpening(topic, invitees)
}

// FallbackOpening builds a plain opener that mentions every invitee.
func FallbackOpening(topic string, invitees []string) string {
	var b strings.Builder
	for _, id := range invitees {
		b.WriteString("@")
		b.WriteString(id)
		b.WriteString(" ")
	}
	if topic == "" {
		b.WriteString("It's gone quiet in here. What is everyone up to?")
	} else {
		fmt.Fprintf(&b, "Anyone up for a chat about %s?", topic)
	}
	return b.String()
}
