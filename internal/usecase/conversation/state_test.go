package conversation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
)

// seqRandom replays fixed draws; it repeats the last one when exhausted.
type seqRandom struct {
	mu    sync.Mutex
	draws []float64
	calls int
}

func (r *seqRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.draws) == 0 {
		return 0.999
	}
	v := r.draws[0]
	if len(r.draws) > 1 {
		r.draws = r.draws[1:]
	}
	return v
}

func (r *seqRandom) Intn(n int) int { return 0 }

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

func (b *recordBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

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

type fixture struct {
	mgr   *Manager
	clock *fakeClock
	rnd   *seqRandom
	bus   *recordBus
}

func newFixture(t *testing.T, draws ...float64) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		rnd:   &seqRandom{draws: draws},
		bus:   &recordBus{},
	}
	n := 0
	f.mgr = NewManager("linda", DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(f.clock.Now),
		WithRandom(f.rnd),
		WithEventBus(f.bus),
		WithIDGenerator(func() string { n++; return "conv-" + string(rune('0'+n)) }),
	)
	return f
}

func TestManagerLazyCreation(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.mgr.Groups())

	st := f.mgr.Get(-100)
	assert.Same(t, st, f.mgr.Get(-100))
	assert.Equal(t, domain.PhaseInactive, st.Phase())

	f.mgr.Get(5)
	assert.Equal(t, []int64{-100, 5}, f.mgr.Groups())
}

func TestInitiateAssignsFreshConversation(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	require.True(t, st.Initiate("jazz"))
	snap := st.Snapshot()
	assert.Equal(t, domain.PhaseStarting, snap.Phase)
	assert.Equal(t, "conv-1", snap.ConversationID)
	assert.Equal(t, "jazz", snap.Topic)
	assert.Zero(t, snap.MessageCount)

	assert.False(t, st.Initiate("other"), "second initiate is refused")
	assert.Equal(t, "jazz", st.Snapshot().Topic)
}

func TestRecordMessageOpensAndActivates(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	snap := st.RecordMessage("bob", "")
	assert.Equal(t, domain.PhaseStarting, snap.Phase, "INACTIVE never jumps to ACTIVE")
	assert.Equal(t, 1, snap.MessageCount)

	f.clock.Advance(time.Minute)
	st.RecordMessage("bob", "")
	assert.Equal(t, domain.PhaseStarting, st.Phase())

	f.clock.Advance(time.Minute)
	snap = st.RecordMessage("alice", "music")
	assert.Equal(t, domain.PhaseActive, snap.Phase)
	assert.Equal(t, 3, snap.MessageCount)
	assert.Equal(t, []string{"alice", "bob"}, snap.Participants)
	assert.Equal(t, "music", snap.Topic)
	assert.Equal(t, "alice", snap.LastSpeakerID)

	assert.Equal(t, []domain.EventType{
		domain.EventConversationStarted,
		domain.EventConversationActivated,
	}, f.bus.types())
}

func TestWarmConversationActivatesOnLookback(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	st.RecordMessage("bob", "")
	st.End(EndReasonRequested)

	// Group chatted five minutes ago, inside the recency window.
	f.clock.Advance(5 * time.Minute)
	require.True(t, st.Initiate("news"))
	st.RecordMessage("bob", "")
	assert.Equal(t, domain.PhaseStarting, st.Phase())
	st.RecordMessage("carol", "")
	assert.Equal(t, domain.PhaseActive, st.Phase(), "two speakers in a warm group")
}

func TestColdConversationNeedsThreshold(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	st.RecordMessage("bob", "")
	st.End(EndReasonRequested)

	f.clock.Advance(time.Hour)
	require.True(t, st.Initiate("news"))
	st.RecordMessage("bob", "")
	st.RecordMessage("carol", "")
	assert.Equal(t, domain.PhaseStarting, st.Phase())
}

func TestTransitionNeverSkipsStarting(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	assert.Equal(t, domain.PhaseStarting, st.Transition(domain.PhaseActive))
	assert.Equal(t, domain.PhaseActive, st.Transition(domain.PhaseActive))
}

func TestTransitionClamping(t *testing.T) {
	tests := []struct {
		from, to, want domain.Phase
	}{
		{domain.PhaseInactive, domain.PhaseActive, domain.PhaseStarting},
		{domain.PhaseInactive, domain.PhaseEnding, domain.PhaseInactive},
		{domain.PhaseStarting, domain.PhaseActive, domain.PhaseActive},
		{domain.PhaseStarting, domain.PhaseInactive, domain.PhaseInactive},
		{domain.PhaseActive, domain.PhaseStarting, domain.PhaseActive},
		{domain.PhaseActive, domain.PhaseEnding, domain.PhaseEnding},
		{domain.PhaseEnding, domain.PhaseActive, domain.PhaseInactive},
		{domain.PhaseEnding, domain.PhaseInactive, domain.PhaseInactive},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, clamp(tt.from, tt.to))
		})
	}
}

func TestShouldRespondSelfAndSameSpeaker(t *testing.T) {
	f := newFixture(t, 0.0)
	st := f.mgr.Get(1)
	st.Transition(domain.PhaseStarting)
	st.Transition(domain.PhaseActive)
	for i := 0; i < 25; i++ {
		st.RecordMessage("bob", "")
	}
	snap := st.Snapshot()
	require.Equal(t, domain.PhaseActive, snap.Phase)
	require.Equal(t, 25, snap.MessageCount)
	require.Equal(t, "bob", snap.LastSpeakerID)

	assert.False(t, st.ShouldRespond("bob"))
	assert.False(t, st.ShouldRespond("linda"))
	assert.Zero(t, f.rnd.calls, "suppression never consumes a draw")
}

func TestShouldRespondTurnProbability(t *testing.T) {
	f := newFixture(t, 0.4, 0.6)
	st := f.mgr.Get(1)
	st.RecordMessage("bob", "")
	st.RecordMessage("carol", "")

	// Two participants: respond when draw < 0.5.
	assert.True(t, st.ShouldRespond("bob"))
	assert.False(t, st.ShouldRespond("bob"))
}

func TestShouldRespondEmptyGroupAlwaysAnswers(t *testing.T) {
	f := newFixture(t, 0.999)
	assert.True(t, f.mgr.Get(1).ShouldRespond("bob"))
}

func TestShouldEnd(t *testing.T) {
	t.Run("idle group never ends", func(t *testing.T) {
		f := newFixture(t, 0.0)
		end, _ := f.mgr.Get(1).ShouldEnd(0)
		assert.False(t, end)
	})

	t.Run("inactivity is a hard end", func(t *testing.T) {
		f := newFixture(t)
		st := f.mgr.Get(1)
		st.RecordMessage("bob", "")
		f.clock.Advance(31 * time.Minute)
		end, reason := st.ShouldEnd(1)
		assert.True(t, end)
		assert.Equal(t, EndReasonInactivity, reason)
		assert.Zero(t, f.rnd.calls)
	})

	t.Run("length past cap", func(t *testing.T) {
		// 25 messages: five past the cap, p = 0.25.
		f := newFixture(t, 0.2)
		st := f.mgr.Get(1)
		for i := 0; i < 25; i++ {
			st.RecordMessage("bob", "")
		}
		end, reason := st.ShouldEnd(1)
		assert.True(t, end)
		assert.Equal(t, EndReasonLength, reason)
	})

	t.Run("length draw misses", func(t *testing.T) {
		f := newFixture(t, 0.3)
		st := f.mgr.Get(1)
		for i := 0; i < 25; i++ {
			st.RecordMessage("bob", "")
		}
		end, _ := st.ShouldEnd(1)
		assert.False(t, end)
	})

	t.Run("low relevance draws independently", func(t *testing.T) {
		f := newFixture(t, 0.3)
		st := f.mgr.Get(1)
		st.RecordMessage("bob", "tax law")
		end, reason := st.ShouldEnd(0.1)
		assert.True(t, end)
		assert.Equal(t, EndReasonLowRelevance, reason)

		end, _ = st.ShouldEnd(0.9)
		assert.False(t, end)
	})
}

func TestEndResetsAndSummarizes(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(7)
	st.RecordMessage("bob", "films")
	st.RecordMessage("carol", "")

	summary, ok := st.End(EndReasonLength)
	require.True(t, ok)
	assert.Equal(t, "conv-1", summary.ConversationID)
	assert.Equal(t, "films", summary.Topic)
	assert.Equal(t, 2, summary.MessageCount)

	snap := st.Snapshot()
	assert.Equal(t, domain.PhaseInactive, snap.Phase)
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Participants)
	assert.False(t, snap.LastMessageAt.IsZero(), "group activity survives the reset")

	_, ok = st.End(EndReasonLength)
	assert.False(t, ok)

	types := f.bus.types()
	require.Equal(t, domain.EventConversationEnded, types[len(types)-1])
	var payload domain.ConversationEndPayload
	require.NoError(t, json.Unmarshal(f.bus.events[len(types)-1].Payload, &payload))
	assert.Equal(t, EndReasonLength, payload.Reason)
}

func TestEndAfterExplicitEndingAnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)
	st.RecordMessage("bob", "")
	st.Transition(domain.PhaseEnding)
	st.End(EndReasonRequested)

	ended := 0
	for _, typ := range f.bus.types() {
		if typ == domain.EventConversationEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
	assert.Equal(t, domain.PhaseInactive, st.Phase())
}

func TestConcurrentRecordMessage(t *testing.T) {
	f := newFixture(t)
	st := f.mgr.Get(1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.RecordMessage([]string{"a", "b", "c"}[i%3], "")
		}(i)
	}
	wg.Wait()

	snap := st.Snapshot()
	assert.Equal(t, 50, snap.MessageCount)
	assert.Len(t, snap.Participants, 3)
	assert.Equal(t, domain.PhaseActive, snap.Phase)
}
