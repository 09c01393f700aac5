package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/usecase/eventbus"
)

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

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	self := domain.Character{AgentID: "linda", Username: "Linda_bot", Topics: []string{"fashion", "photography"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(self, DefaultConfig(), logger, append([]Option{WithClock(clock.Now)}, opts...)...)
	return d, clock
}

func TestRegisterAndAvailability(t *testing.T) {
	d, _ := newTestDirectory(t)

	assert.False(t, d.IsAvailable("bob"))
	assert.False(t, d.IsKnownAgent("bob"))

	d.RegisterAgent("bob", []string{"startups"})
	assert.True(t, d.IsAvailable("bob"))
	assert.True(t, d.IsKnownAgent("bob"))

	d.MarkUnavailable("bob")
	assert.False(t, d.IsAvailable("bob"))
	assert.True(t, d.IsKnownAgent("bob"), "entries are never deleted")

	d.Touch("bob", -100)
	assert.True(t, d.IsAvailable("bob"), "activity revives the agent")
	agents := d.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, []string{"startups"}, agents[0].PreferredTopics, "touch keeps topics")
}

func TestGetAvailableAgentsExcludesStale(t *testing.T) {
	d, clock := newTestDirectory(t)

	d.Touch("bob", -100)
	clock.Advance(6 * time.Minute)
	d.Touch("carol", -100)
	clock.Advance(5 * time.Minute)

	// bob: 11m idle, carol: 5m idle.
	assert.Equal(t, []string{"carol"}, d.GetAvailableAgents(-100))
	assert.False(t, d.IsAvailable("bob"))
}

func TestGetAvailableAgentsStaleCutoffProperty(t *testing.T) {
	for _, idle := range []time.Duration{0, time.Minute, 9 * time.Minute, 10 * time.Minute, 10*time.Minute + time.Second, time.Hour} {
		t.Run(idle.String(), func(t *testing.T) {
			d, clock := newTestDirectory(t)
			d.Touch("bob", 1)
			clock.Advance(idle)
			got := d.GetAvailableAgents(1)
			if idle > DefaultConfig().StaleAfter {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, []string{"bob"}, got)
			}
		})
	}
}

func TestGetAvailableAgentsFiltersGroupAndExclude(t *testing.T) {
	d, _ := newTestDirectory(t)
	d.Touch("bob", 1)
	d.Touch("carol", 2)
	d.RegisterAgent("dave", nil) // no group history: eligible everywhere
	d.Touch("linda", 1)

	assert.Equal(t, []string{"bob", "dave"}, d.GetAvailableAgents(1, "linda"))
	assert.Equal(t, []string{"carol", "dave"}, d.GetAvailableAgents(2, "linda"))
	assert.Equal(t, []string{"bob", "carol", "dave", "linda"}, d.GetAvailableAgents(0))
}

func TestPruneEmitsUnavailableOnce(t *testing.T) {
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var mu sync.Mutex
	var got []string
	bus.Subscribe(domain.EventAgentUnavailable, func(_ context.Context, e domain.Event) {
		mu.Lock()
		got = append(got, string(e.Payload))
		mu.Unlock()
	})

	d, clock := newTestDirectory(t, WithEventBus(bus))
	d.Touch("bob", 1)
	clock.Advance(11 * time.Minute)

	assert.Equal(t, 1, d.Prune())
	assert.Equal(t, 0, d.Prune())
	bus.Close()

	require.Len(t, got, 1)
	assert.Contains(t, got[0], `"bob"`)
}

func TestEstimateTopicRelevance(t *testing.T) {
	d, _ := newTestDirectory(t)
	d.RegisterAgent("bob", []string{"venture capital", "startups"})
	d.RegisterAgent("quiet", []string{})

	tests := []struct {
		agent, topic string
		want         float64
	}{
		{"stranger", "anything", UnknownRelevance},
		{"quiet", "anything", UnknownRelevance},
		{"bob", "Startups", 1},
		{"bob", "seed stage startups in Berlin", 1},
		{"bob", "capital markets today", 1.0 / 3},
		{"bob", "knitting", RelevanceFloor},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.agent, tt.topic), func(t *testing.T) {
			assert.InDelta(t, tt.want, d.EstimateTopicRelevance(tt.agent, tt.topic), 1e-9)
		})
	}
}

func TestSelfRelevanceDelegates(t *testing.T) {
	d, _ := newTestDirectory(t, WithSelfRelevance(func(topic string) float64 {
		if topic == "runway" {
			return 1.7
		}
		return 0.1
	}))
	assert.Equal(t, 1.0, d.EstimateTopicRelevance("linda", "runway"), "clamped")
	assert.Equal(t, 0.1, d.EstimateTopicRelevance("linda", "tax"))

	plain, _ := newTestDirectory(t)
	assert.Equal(t, 1.0, plain.SelfRelevance("street photography"))
}

func TestTrackTopicScoresAndCounts(t *testing.T) {
	d, clock := newTestDirectory(t)
	d.RegisterAgent("bob", []string{"startups"})

	rec := d.TrackTopic("  Startups ")
	assert.Equal(t, "startups", rec.Topic)
	assert.Equal(t, 1, rec.MessageCount)
	assert.Equal(t, 1.0, rec.RelevanceScoreByAgent["bob"])
	assert.Equal(t, RelevanceFloor, rec.RelevanceScoreByAgent["linda"])

	clock.Advance(time.Minute)
	rec = d.TrackTopic("startups")
	assert.Equal(t, 2, rec.MessageCount)
	assert.Equal(t, clock.Now(), rec.LastDiscussedAt)

	assert.Empty(t, d.TrackTopic("   ").Topic)
}

func TestTrackTopicEvictsLeastRecentlyDiscussed(t *testing.T) {
	d, clock := newTestDirectory(t)
	max := DefaultConfig().MaxTopics

	for i := 0; i < max; i++ {
		d.TrackTopic(fmt.Sprintf("topic-%02d", i))
		clock.Advance(time.Second)
	}
	// Refresh the oldest so topic-01 becomes the eviction candidate.
	d.TrackTopic("topic-00")
	clock.Advance(time.Second)
	d.TrackTopic("overflow")

	topics := d.Topics()
	assert.Len(t, topics, max)
	_, ok := d.Topic("topic-01")
	assert.False(t, ok)
	_, ok = d.Topic("topic-00")
	assert.True(t, ok)
	assert.Equal(t, "overflow", topics[0].Topic)
}

func TestAnnounce(t *testing.T) {
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	announced := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventAgentAnnounced, func(_ context.Context, e domain.Event) {
		announced <- e
	})
	defer bus.Close()

	d, _ := newTestDirectory(t, WithEventBus(bus))
	require.NoError(t, d.Announce(context.Background()))
	assert.True(t, d.IsAvailable("linda"))

	select {
	case e := <-announced:
		assert.Contains(t, string(e.Payload), "photography")
	case <-time.After(time.Second):
		t.Fatal("no announce event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, d.Announce(ctx))
}

func TestDirectoryConcurrentAccess(t *testing.T) {
	d, _ := newTestDirectory(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i%5)
			d.Touch(id, int64(i%2))
			d.TrackTopic(fmt.Sprintf("topic %d", i%7))
			d.GetAvailableAgents(1)
			d.EstimateTopicRelevance(id, "topic")
		}(i)
	}
	wg.Wait()
	assert.Len(t, d.Agents(), 5)
}
