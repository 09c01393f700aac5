package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chorus/internal/domain"
	"chorus/internal/infra/logger"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/conversation"
	"chorus/internal/usecase/directory"
	"chorus/internal/usecase/routing"
)

// Sender queues outbound text for a group.
type Sender interface {
	SendMessage(groupID int64, text string) (string, error)
}

// Config holds engine tunables.
type Config struct {
	// Groups lists the monitored groups; empty means every group.
	Groups       []int64
	ReadyTimeout time.Duration
	DedupeTTL    time.Duration
	DedupeSize   int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 30 * time.Second,
		DedupeTTL:    10 * time.Minute,
		DedupeSize:   4096,
	}
}

// RoutedPayload is carried by message.routed events.
type RoutedPayload struct {
	MessageID string         `json:"message_id"`
	SenderID  string         `json:"sender_id"`
	Source    string         `json:"source,omitempty"`
	Verdict   domain.Verdict `json:"verdict"`
	Reason    string         `json:"reason"`
	Matched   string         `json:"matched,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus publishes message.routed events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// Engine is the inbound pipeline: it filters and deduplicates relay and
// platform messages, routes them, keeps the conversation and directory
// state current and, on PROCESS, asks the generator for a reply.
type Engine struct {
	self   domain.Character
	groups map[int64]bool
	router *routing.Router
	convs  *conversation.Manager
	dir    *directory.Directory
	sender Sender
	gate   *Gate
	seen   *seenCache
	cfg    Config
	bus    domain.EventBus
	now    func() time.Time
	logger *slog.Logger

	replies sync.WaitGroup
}

// New creates an Engine. Attach a generator through Gate().Attach before
// or after starting; replies wait for it up to cfg.ReadyTimeout.
func New(self domain.Character, router *routing.Router, convs *conversation.Manager, dir *directory.Directory, sender Sender, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		self:   self,
		groups: make(map[int64]bool, len(cfg.Groups)),
		router: router,
		convs:  convs,
		dir:    dir,
		sender: sender,
		gate:   NewGate(),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "engine"),
	}
	for _, g := range cfg.Groups {
		e.groups[g] = true
	}
	for _, o := range opts {
		o(e)
	}
	e.seen = newSeenCache(cfg.DedupeTTL, cfg.DedupeSize, e.now)
	return e
}

// Gate returns the generator readiness gate.
func (e *Engine) Gate() *Gate { return e.gate }

// HandleRelay is the dispatch callback for relay frames.
func (e *Engine) HandleRelay(ctx context.Context, w domain.WireMessage) {
	e.Handle(ctx, routing.Normalize(w, routing.SourceRelay, e.now()))
}

// HandlePlatform is the dispatch callback for messages polled straight
// from the platform.
func (e *Engine) HandlePlatform(ctx context.Context, w domain.WireMessage) {
	e.Handle(ctx, routing.Normalize(w, routing.SourcePlatform, e.now()))
}

// Handle routes one normalized message and updates the group's state.
// Routing and bookkeeping happen before Handle returns; a PROCESS reply is
// generated in the background. Use Wait to drain pending replies.
func (e *Engine) Handle(ctx context.Context, msg domain.InboundMessage) domain.Decision {
	ctx, span := tracer.StartSpan(ctx, "engine.handle_inbound")
	defer span.End()
	span.SetAttributes(
		tracer.GroupAttr(msg.GroupID),
		tracer.StringAttr("chorus.source", msg.Source),
		tracer.StringAttr("chorus.message_id", msg.ID),
	)

	d := e.classify(msg)
	span.SetAttributes(
		tracer.StringAttr("chorus.verdict", string(d.Verdict)),
		tracer.StringAttr("chorus.reason", d.Reason),
	)
	e.publish(ctx, msg, d)

	if d.Reason == domain.ReasonMalformed {
		err := domain.NewDomainError("Engine.Handle", domain.ErrMalformedMessage, "message_id="+msg.ID)
		e.logger.Debug("inbound message dropped", "group_id", msg.GroupID, logger.Err(err))
	}
	if d.Process() {
		e.replies.Add(1)
		go func() {
			defer e.replies.Done()
			e.reply(context.WithoutCancel(ctx), msg, d)
		}()
	}
	tracer.SetOK(span)
	return d
}

// classify runs the pre-routing filters, the router, and the state updates
// that every routable message causes.
func (e *Engine) classify(msg domain.InboundMessage) domain.Decision {
	if msg.GroupID != 0 && len(e.groups) > 0 && !e.groups[msg.GroupID] {
		return domain.Decision{Verdict: domain.VerdictIgnore, Reason: domain.ReasonUnmonitored}
	}
	if msg.ID != "" && msg.GroupID != 0 && e.seen.CheckAndMark(fmt.Sprintf("%d:%s", msg.GroupID, msg.ID)) {
		return domain.Decision{Verdict: domain.VerdictIgnore, Reason: domain.ReasonDuplicate}
	}

	d := e.router.Route(msg)
	switch d.Reason {
	case domain.ReasonMalformed, domain.ReasonSelf:
		// Own messages are recorded when queued, not when echoed back.
		return d
	}

	if msg.IsBot {
		e.dir.Touch(msg.SenderID, msg.GroupID)
	}
	snap := e.convs.Get(msg.GroupID).RecordMessage(msg.SenderID, "")
	if snap.Topic != "" {
		e.dir.TrackTopic(snap.Topic)
	}
	return d
}

func (e *Engine) reply(ctx context.Context, msg domain.InboundMessage, d domain.Decision) {
	gen, err := e.gate.Wait(ctx, e.cfg.ReadyTimeout)
	if err != nil {
		e.logger.Warn("reply skipped", "group_id", msg.GroupID, "message_id", msg.ID, logger.Err(err))
		return
	}

	st := e.convs.Get(msg.GroupID)
	text, err := gen.Generate(ctx, msg, domain.ConversationContext{
		Conversation: st.Snapshot(),
		Character:    e.self,
		Decision:     d,
	})
	if err != nil {
		e.logger.Warn("reply generation failed", "group_id", msg.GroupID, "message_id", msg.ID, logger.Err(err))
		return
	}
	if strings.TrimSpace(text) == "" {
		e.logger.Debug("generator stayed silent", "group_id", msg.GroupID, "message_id", msg.ID)
		return
	}

	id, err := e.sender.SendMessage(msg.GroupID, text)
	if err != nil {
		e.logger.Warn("reply not queued", "group_id", msg.GroupID, logger.Err(err))
		return
	}
	st.RecordMessage(e.self.AgentID, "")
	e.logger.Info("reply queued",
		"group_id", msg.GroupID,
		"in_reply_to", msg.ID,
		"relay_message_id", id,
		"reason", d.Reason)
}

// Wait blocks until every reply started so far has finished.
func (e *Engine) Wait() {
	e.replies.Wait()
}

// Sweep drops expired duplicate-suppression entries.
func (e *Engine) Sweep(context.Context) error {
	if n := e.seen.Sweep(); n > 0 {
		e.logger.Debug("dedupe entries expired", "count", n)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, msg domain.InboundMessage, d domain.Decision) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(domain.EventMessageRouted, msg.GroupID, RoutedPayload{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Source:    msg.Source,
		Verdict:   d.Verdict,
		Reason:    d.Reason,
		Matched:   d.Matched,
	}))
}
