package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/usecase/directory"
	"chorus/internal/usecase/eventbus"
)

type relayCall struct {
	path string
	body map[string]any
}

func fakeRelay(t *testing.T) (*httptest.Server, chan relayCall) {
	t.Helper()
	calls := make(chan relayCall, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subscribe" {
			http.Error(w, "no stream", http.StatusNotFound)
			return
		}
		c := relayCall{path: r.URL.Path}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &c.body)
		}
		select {
		case calls <- c:
		default:
		}
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"agents":1,"agents_list":["linda_evangelista_88"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func waitFor(t *testing.T, calls chan relayCall, path string) relayCall {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-calls:
			if c.path == path {
				return c
			}
		case <-deadline:
			t.Fatalf("relay never saw %s", path)
			return relayCall{}
		}
	}
}

func runtimeConfig(relayURL, generatorURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Agent.AgentID = "linda_evangelista_88"
	cfg.Agent.Username = "LindaEvangelista88_bot"
	cfg.Agent.Topics = []string{"fashion"}
	cfg.Groups = []int64{-1001}
	cfg.Relay.URL = relayURL
	cfg.Relay.SendRate = 0
	cfg.Generator.URL = generatorURL
	cfg.Generator.ReadyTimeout = time.Second
	cfg.Initiator.Enabled = false
	return cfg
}

func TestRuntimeRepliesToMention(t *testing.T) {
	relaySrv, calls := fakeRelay(t)
	genSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"Love it, darling."}`))
	}))
	defer genSrv.Close()

	cfg := runtimeConfig(relaySrv.URL, genSrv.URL)
	require.NoError(t, config.Validate(cfg))

	rt, err := initRuntime(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, rt.Initiator)
	assert.Nil(t, rt.Telegram)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	reg := waitFor(t, calls, "/register")
	assert.Equal(t, "linda_evangelista_88", reg.body["agent_id"])
	assert.True(t, rt.Transport.Connected())

	rt.Engine.HandleRelay(ctx, domain.WireMessage{
		MessageID: "7",
		From:      domain.WireUser{Username: "alice"},
		Chat:      domain.WireChat{ID: domain.FlexID(strconv.Itoa(-1001))},
		Text:      "@LindaEvangelista88_bot what are you wearing tonight?",
		Date:      time.Now().Unix(),
	})

	sent := waitFor(t, calls, "/sendMessage")
	assert.Equal(t, "Love it, darling.", sent.body["text"])
	assert.EqualValues(t, -1001, sent.body["chat_id"])

	shutdownCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	require.NoError(t, rt.Shutdown(shutdownCtx))
	waitFor(t, calls, "/unregister")
	assert.False(t, rt.Transport.Connected())
}

func TestRuntimeWithoutGeneratorOrRelay(t *testing.T) {
	relaySrv, _ := fakeRelay(t)
	relaySrv.Close()

	cfg := runtimeConfig(relaySrv.URL, "")
	cfg.Initiator.Enabled = true

	rt, err := initRuntime(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NotNil(t, rt.Initiator)

	_, ready := rt.Engine.Gate().Ready()
	assert.False(t, ready, "no generator attached without generator.url")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	assert.False(t, rt.Transport.Connected(), "unreachable relay leaves the agent degraded")
	assert.NotNil(t, rt.Scheduler.NextRun("initiate"))

	shutdownCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	assert.NoError(t, rt.Shutdown(shutdownCtx))
}

func TestRuntimeCountsUndeliveredReplies(t *testing.T) {
	relaySrv, _ := fakeRelay(t)
	rt, err := initRuntime(runtimeConfig(relaySrv.URL, ""), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Bus.Close()

	ctx := context.Background()
	rt.Bus.Publish(ctx, domain.NewEvent(domain.EventMessageFailed, -1001, domain.MessageEventPayload{
		MessageID: "01J", Retries: 3, Error: "relay transport failure",
	}))
	rt.Bus.Publish(ctx, domain.NewEvent(domain.EventMessageFailed, -1001, domain.MessageEventPayload{MessageID: "01K"}))
	rt.Bus.Publish(ctx, domain.NewEvent(domain.EventMessageDropped, -1001, domain.MessageEventPayload{MessageID: "01L"}))
	rt.Bus.Publish(ctx, domain.NewEvent(domain.EventMessageSent, -1001, domain.MessageEventPayload{MessageID: "01M"}))

	require.Eventually(t, func() bool {
		return rt.Deliveries.Failed() == 2 && rt.Deliveries.Dropped() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeliveryStatsUnsubscribe(t *testing.T) {
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer bus.Close()

	var stats DeliveryStats
	off := stats.watch(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMessageFailed, 1, nil))
	require.Eventually(t, func() bool { return stats.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)

	off()
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMessageFailed, 1, nil))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, stats.Failed())
}

func TestRuntimeSelfRelevanceUsesTopics(t *testing.T) {
	relaySrv, _ := fakeRelay(t)
	rt, err := initRuntime(runtimeConfig(relaySrv.URL, ""), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Bus.Close()

	assert.Equal(t, 1.0, rt.Directory.SelfRelevance("Paris fashion week"))
	assert.Equal(t, directory.RelevanceFloor, rt.Directory.SelfRelevance("tax law"))
}
