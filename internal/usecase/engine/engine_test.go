package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/usecase/conversation"
	"chorus/internal/usecase/directory"
	"chorus/internal/usecase/routing"
)

const group = int64(-1001)

type stubRandom struct{ v float64 }

func (r stubRandom) Float64() float64 { return r.v }
func (r stubRandom) Intn(int) int     { return 0 }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *recordingSender) SendMessage(groupID int64, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.texts = append(s.texts, text)
	return "01J0000000000000000000000", nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type scriptedGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []domain.ConversationContext
}

func (g *scriptedGenerator) Generate(_ context.Context, _ domain.InboundMessage, convCtx domain.ConversationContext) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, convCtx)
	return g.text, g.err
}

type recordBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordBus) Close()                                                 {}

func (b *recordBus) routed() []RoutedPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RoutedPayload
	for _, e := range b.events {
		if e.Type != domain.EventMessageRouted {
			continue
		}
		var p RoutedPayload
		_ = json.Unmarshal(e.Payload, &p)
		out = append(out, p)
	}
	return out
}

type fixture struct {
	clock  *fakeClock
	convs  *conversation.Manager
	dir    *directory.Directory
	sender *recordingSender
	gen    *scriptedGenerator
	bus    *recordBus
	eng    *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	self := domain.Character{AgentID: "linda_evangelista_88", Username: "LindaEvangelista88_bot", Topics: []string{"fashion"}}
	f := &fixture{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sender: &recordingSender{},
		gen:    &scriptedGenerator{text: "Darling, it's divine."},
		bus:    &recordBus{},
	}
	rnd := stubRandom{v: 0.999}
	f.convs = conversation.NewManager(self.AgentID, conversation.DefaultConfig(), logger,
		conversation.WithClock(f.clock.Now), conversation.WithRandom(rnd))
	f.dir = directory.New(self, directory.DefaultConfig(), logger, directory.WithClock(f.clock.Now))
	router := routing.NewRouter(self, f.convs, f.dir, rnd, routing.Config{HumanEngagement: 0.1}, logger)
	f.eng = New(self, router, f.convs, f.dir, f.sender, cfg, logger,
		WithClock(f.clock.Now), WithEventBus(f.bus))
	return f
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Groups = []int64{group}
	cfg.ReadyTimeout = time.Second
	return cfg
}

func wire(id, from, text string) domain.WireMessage {
	return domain.WireMessage{
		MessageID: domain.FlexID(id),
		From:      domain.WireUser{Username: from},
		Chat:      domain.WireChat{ID: "-1001"},
		Text:      text,
		Date:      1772366400,
	}
}

func TestMentionProducesReply(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.Gate().Attach(f.gen)

	d := f.eng.Handle(context.Background(), routing.Normalize(
		wire("1", "vc_shark_99", "@LindaEvangelista88_bot what do you think?"), routing.SourceRelay, f.clock.Now()))
	f.eng.Wait()

	assert.Equal(t, domain.VerdictProcess, d.Verdict)
	assert.Equal(t, domain.ReasonMention, d.Reason)
	assert.Equal(t, []string{"Darling, it's divine."}, f.sender.sent())

	snap := f.convs.Get(group).Snapshot()
	assert.Equal(t, 2, snap.MessageCount, "inbound plus own reply")
	assert.Equal(t, []string{"linda_evangelista_88", "vc_shark_99"}, snap.Participants)
	assert.Equal(t, "linda_evangelista_88", snap.LastSpeakerID)

	require.Len(t, f.gen.calls, 1)
	assert.Equal(t, domain.ReasonMention, f.gen.calls[0].Decision.Reason)
	assert.Equal(t, "linda_evangelista_88", f.gen.calls[0].Character.AgentID)
	assert.Equal(t, 1, f.gen.calls[0].Conversation.MessageCount)
}

func TestUnmonitoredGroupIgnored(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.Gate().Attach(f.gen)

	w := wire("1", "alice", "hey @LindaEvangelista88_bot")
	w.Chat.ID = "-2002"
	d := f.eng.Handle(context.Background(), routing.Normalize(w, routing.SourceRelay, f.clock.Now()))
	f.eng.Wait()

	assert.Equal(t, domain.ReasonUnmonitored, d.Reason)
	assert.Empty(t, f.sender.sent())
	assert.Empty(t, f.convs.Groups(), "no state for unmonitored groups")
}

func TestEmptyGroupListMonitorsEverything(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Groups = nil
	f := newFixture(t, cfg)

	w := wire("1", "alice", "anyone around?")
	w.Chat.ID = "-2002"
	d := f.eng.Handle(context.Background(), routing.Normalize(w, routing.SourceRelay, f.clock.Now()))
	assert.Equal(t, domain.ReasonNotEngaged, d.Reason)
	assert.Equal(t, 1, f.convs.Get(-2002).Snapshot().MessageCount)
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.Gate().Attach(f.gen)

	w := wire("42", "alice", "@linda_evangelista_88 hello")
	first := f.eng.Handle(context.Background(), routing.Normalize(w, routing.SourceRelay, f.clock.Now()))
	second := f.eng.Handle(context.Background(), routing.Normalize(w, routing.SourcePlatform, f.clock.Now()))
	f.eng.Wait()

	assert.True(t, first.Process())
	assert.Equal(t, domain.ReasonDuplicate, second.Reason)
	assert.Len(t, f.sender.sent(), 1, "at most one reaction per inbound message")

	f.clock.Advance(11 * time.Minute)
	third := f.eng.Handle(context.Background(), routing.Normalize(w, routing.SourceRelay, f.clock.Now()))
	f.eng.Wait()
	assert.NotEqual(t, domain.ReasonDuplicate, third.Reason, "dedupe entries expire")
}

func TestSelfEchoNotRecorded(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.Gate().Attach(f.gen)

	w := wire("7", "LindaEvangelista88_bot", "my own words, @linda_evangelista_88")
	w.From.IsBot = true
	w.SenderAgentID = "linda_evangelista_88"
	d := f.eng.HandleRelayDecision(w)
	f.eng.Wait()

	assert.Equal(t, domain.ReasonSelf, d.Reason)
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 0, f.convs.Get(group).Snapshot().MessageCount)
}

func TestMalformedIgnored(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	d := f.eng.Handle(context.Background(), routing.Normalize(wire("8", "alice", "   "), routing.SourceRelay, f.clock.Now()))
	assert.Equal(t, domain.ReasonMalformed, d.Reason)
	assert.Equal(t, 0, f.convs.Get(group).Snapshot().MessageCount)
}

func TestBotSenderRegisteredInDirectory(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.Gate().Attach(f.gen)

	w := wire("9", "bob_bot", "the market is up")
	w.SenderAgentID = "bob"
	d := f.eng.HandleRelayDecision(w)
	f.eng.Wait()

	// Alone in an idle group, the only other speaker always gets an answer.
	assert.Equal(t, domain.ReasonTurnTaken, d.Reason)
	assert.True(t, f.dir.IsKnownAgent("bob"))
	assert.Equal(t, []string{"bob"}, f.dir.GetAvailableAgents(group, "linda_evangelista_88"))
	assert.False(t, f.dir.IsKnownAgent("alice"))

	again := wire("10", "bob_bot", "and rising")
	again.SenderAgentID = "bob"
	d = f.eng.HandleRelayDecision(again)
	f.eng.Wait()
	// Two participants now: a 1/2 turn chance that the high draw misses.
	assert.Equal(t, domain.ReasonTurnSkipped, d.Reason)
	assert.Len(t, f.sender.sent(), 1)
}

func TestSameBotTwiceRunningSkipped(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	st := f.convs.Get(group)
	st.RecordMessage("bob", "")

	w := wire("11", "bob_bot", "one more thing")
	w.SenderAgentID = "bob"
	d := f.eng.HandleRelayDecision(w)
	assert.Equal(t, domain.ReasonTurnSkipped, d.Reason)
}

func TestReplySkippedWithoutGenerator(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)

	d := f.eng.HandleRelayDecision(wire("1", "alice", "@linda_evangelista_88 hi"))
	f.eng.Wait()

	assert.True(t, d.Process())
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 1, f.convs.Get(group).Snapshot().MessageCount)
}

func TestReplyWaitsForLateGenerator(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	f.eng.HandleRelayDecision(wire("1", "alice", "@linda_evangelista_88 hi"))
	time.Sleep(10 * time.Millisecond)
	f.eng.Gate().Attach(f.gen)
	f.eng.Wait()

	assert.Equal(t, []string{"Darling, it's divine."}, f.sender.sent())
}

func TestReplySilentOrFailing(t *testing.T) {
	tests := []struct {
		name string
		gen  *scriptedGenerator
		send error
	}{
		{"silent", &scriptedGenerator{text: " "}, nil},
		{"generator error", &scriptedGenerator{err: errors.New("boom")}, nil},
		{"queue closed", &scriptedGenerator{text: "hi"}, domain.ErrQueueClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultTestConfig())
			f.sender.err = tt.send
			f.eng.Gate().Attach(tt.gen)

			f.eng.HandleRelayDecision(wire("1", "alice", "@linda_evangelista_88 hi"))
			f.eng.Wait()

			assert.Empty(t, f.sender.sent())
			assert.Equal(t, 1, f.convs.Get(group).Snapshot().MessageCount, "no own message recorded")
		})
	}
}

func TestRoutedEventsPublished(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	f.eng.HandleRelayDecision(wire("1", "alice", "just chatting"))
	f.eng.HandleRelayDecision(wire("1", "alice", "just chatting"))

	got := f.bus.routed()
	require.Len(t, got, 2)
	assert.Equal(t, RoutedPayload{MessageID: "1", SenderID: "alice", Source: routing.SourceRelay,
		Verdict: domain.VerdictIgnore, Reason: domain.ReasonNotEngaged}, got[0])
	assert.Equal(t, domain.ReasonDuplicate, got[1].Reason)
}

func TestConversationTopicTracked(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	require.True(t, f.convs.Get(group).Initiate("fashion week"))

	f.eng.HandleRelayDecision(wire("1", "alice", "loved the shows"))
	f.eng.HandleRelayDecision(wire("2", "carol", "me too"))

	rec, ok := f.dir.Topic("fashion week")
	require.True(t, ok)
	assert.Equal(t, 2, rec.MessageCount)
}

func TestSweepExpiresSeenEntries(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.eng.HandleRelayDecision(wire("1", "alice", "a"))
	f.eng.HandleRelayDecision(wire("2", "alice", "b"))
	require.Equal(t, 2, f.eng.seen.Len())

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.eng.Sweep(context.Background()))
	assert.Equal(t, 0, f.eng.seen.Len())
}

func TestHandlePlatformLabelsSource(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	f.eng.HandlePlatform(context.Background(), wire("5", "alice", "hello"))

	got := f.bus.routed()
	require.Len(t, got, 1)
	assert.Equal(t, routing.SourcePlatform, got[0].Source)
}
