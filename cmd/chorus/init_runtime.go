package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chorus/internal/adapter/channel"
	"chorus/internal/adapter/generator"
	relayclient "chorus/internal/adapter/relay"
	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/infra/logger"
	"chorus/internal/usecase/conversation"
	"chorus/internal/usecase/directory"
	"chorus/internal/usecase/engine"
	"chorus/internal/usecase/eventbus"
	"chorus/internal/usecase/initiator"
	"chorus/internal/usecase/relay"
	"chorus/internal/usecase/routing"
	"chorus/internal/usecase/scheduling"
)

// maintenanceInterval drives directory pruning and dedupe sweeps.
const maintenanceInterval = time.Minute

// Runtime holds every long-lived component of one agent process.
type Runtime struct {
	Bus           *eventbus.Bus
	Conversations *conversation.Manager
	Directory     *directory.Directory
	Router        *routing.Router
	Transport     *relay.Transport
	Engine        *engine.Engine
	Initiator     *initiator.Initiator
	Telegram      *channel.Telegram
	Scheduler     *scheduling.Scheduler
	Deliveries    *DeliveryStats

	cfg    *config.Config
	logger *slog.Logger
}

// initRuntime builds the component graph from cfg. Nothing is started.
func initRuntime(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	self := cfg.Agent.Character
	rnd := domain.NewLockedRandom(time.Now().UnixNano())
	bus := eventbus.New(log)

	rt := &Runtime{Bus: bus, Deliveries: &DeliveryStats{}, cfg: cfg, logger: log}
	rt.Deliveries.watch(bus, log)

	rt.Conversations = conversation.NewManager(self.AgentID, conversation.Config{
		ActivationThreshold:        cfg.Conversation.ActivationThreshold,
		RecencyWindow:              cfg.Conversation.RecencyWindow,
		MessageCap:                 cfg.Conversation.MessageCap,
		EndStepProbability:         cfg.Conversation.EndStepProbability,
		LowRelevanceThreshold:      cfg.Conversation.LowRelevanceThreshold,
		LowRelevanceEndProbability: cfg.Conversation.LowRelevanceEndProbability,
		InactivityWindow:           cfg.Conversation.InactivityWindow,
	}, log, conversation.WithRandom(rnd), conversation.WithEventBus(bus))

	// Self relevance uses the default overlap scorer over self.Topics.
	rt.Directory = directory.New(self, directory.Config{
		StaleAfter: cfg.Directory.StaleAfter,
		MaxTopics:  cfg.Directory.MaxTopics,
	}, log, directory.WithEventBus(bus))

	rt.Router = routing.NewRouter(self, rt.Conversations, rt.Directory, rnd, routing.Config{
		HumanEngagement: cfg.Router.HumanEngagement,
	}, log)

	// Relay transport, with the platform as fallback when configured.
	client := relayclient.NewClient(cfg.Relay.URL, self.AgentID, cfg.Relay.Token, log,
		relayclient.WithHTTPClient(&http.Client{Timeout: cfg.Relay.RequestTimeout}),
		relayclient.WithSendRate(cfg.Relay.SendRate, cfg.Relay.SendBurst),
		relayclient.WithBreaker(relayclient.BreakerConfig{
			MaxFailures: cfg.Relay.Breaker.MaxFailures,
			Timeout:     cfg.Relay.Breaker.Timeout,
			Interval:    cfg.Relay.Breaker.Interval,
		}),
	)
	tcfg := relay.DefaultConfig()
	tcfg.HeartbeatInterval = cfg.Relay.HeartbeatInterval
	tcfg.RecoveryInterval = cfg.Relay.RecoveryInterval
	tcfg.MaxRetries = cfg.Relay.MaxRetries
	tcfg.RetryDelay = cfg.Relay.RetryDelay
	tcfg.MaxQueue = cfg.Relay.MaxQueue
	tcfg.UnregisterTimeout = cfg.Relay.UnregisterTimeout

	topts := []relay.Option{
		relay.WithSubscriber(relayclient.NewSubscriber(cfg.Relay.URL, self.AgentID, cfg.Relay.Token, log)),
		relay.WithEventBus(bus),
	}
	if cfg.Telegram != nil {
		tgOpts := []channel.TelegramOption{channel.WithTelegramGroups(cfg.Groups)}
		if cfg.Telegram.BaseURL != "" {
			tgOpts = append(tgOpts, channel.WithTelegramBaseURL(cfg.Telegram.BaseURL))
		}
		rt.Telegram = channel.NewTelegram(cfg.Telegram.Token, log, tgOpts...)
		topts = append(topts, relay.WithFallback(rt.Telegram))
	}
	rt.Transport = relay.NewTransport(self.AgentID, client, tcfg, log, topts...)

	// Engine: routing, state recording and replies.
	ecfg := engine.DefaultConfig()
	ecfg.Groups = cfg.Groups
	ecfg.ReadyTimeout = cfg.Generator.ReadyTimeout
	rt.Engine = engine.New(self, rt.Router, rt.Conversations, rt.Directory, rt.Transport, ecfg, log,
		engine.WithEventBus(bus))
	rt.Transport.OnMessage(rt.Engine.HandleRelay)

	if cfg.Generator.URL != "" {
		gen := generator.NewCircuitBreaker(
			generator.NewHTTP(cfg.Generator.URL, cfg.Generator.Timeout),
			"http",
			generator.CircuitBreakerConfig{
				MaxFailures: cfg.Generator.Breaker.MaxFailures,
				Timeout:     cfg.Generator.Breaker.Timeout,
				Interval:    cfg.Generator.Breaker.Interval,
			},
			log,
		)
		rt.Engine.Gate().Attach(gen)
	}

	if cfg.Initiator.Enabled {
		rt.Initiator = initiator.New(self, cfg.Groups, rt.Conversations, rt.Directory, rt.Transport,
			initiator.Config{
				BaseProbability: cfg.Initiator.BaseProbability,
				EscalationStep:  cfg.Initiator.EscalationStep,
				MaxMultiplier:   cfg.Initiator.MaxMultiplier,
				MaxInvites:      cfg.Initiator.MaxInvites,
				HighRelevance:   cfg.Initiator.HighRelevance,
			}, log,
			initiator.WithRandom(rnd),
			initiator.WithGenerators(rt.Engine.Gate()),
		)
	}

	rt.Scheduler = scheduling.NewScheduler(log)
	var initiate func(context.Context) error
	if rt.Initiator != nil {
		initiate = func(ctx context.Context) error {
			_, err := rt.Initiator.Tick(ctx)
			return err
		}
	}
	err := rt.Engine.RegisterTasks(rt.Scheduler, engine.Schedules{
		Initiate: cfg.Initiator.Interval,
		Announce: cfg.Directory.BroadcastInterval,
		Prune:    maintenanceInterval,
		Sweep:    maintenanceInterval,
	}, initiate)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return rt, nil
}

// Start registers with the relay, starts background loops and, when the
// platform is configured, learns the bot username and begins polling.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.Telegram != nil {
		if name, err := rt.Telegram.Username(ctx); err != nil {
			rt.logger.Warn("platform username lookup failed", logger.Err(err))
		} else if name != "" {
			rt.Router.AddIdentifiers(name)
		}
	}

	rt.Transport.Connect(ctx)
	rt.Transport.Start(ctx)

	if err := rt.Directory.Announce(ctx); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if rt.Telegram != nil && rt.cfg.Telegram.Poll {
		rt.Telegram.StartPolling(ctx, rt.Engine.HandlePlatform)
	}
	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// Shutdown stops producers before consumers: scheduler and pollers first,
// then the relay (which unregisters), in-flight replies and finally the bus.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.Scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if rt.Telegram != nil {
		rt.Telegram.Stop()
	}
	if err := rt.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	done := make(chan struct{})
	go func() {
		rt.Engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for replies: %w", ctx.Err()))
	}

	rt.Bus.Close()
	return errors.Join(errs...)
}
