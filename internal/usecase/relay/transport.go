package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"chorus/internal/domain"
	"chorus/internal/infra/logger"
	"chorus/internal/infra/tracer"
)

// Client is the relay's HTTP surface.
type Client interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	Send(ctx context.Context, groupID int64, text string) error
}

// Subscriber streams inbound relay messages. Subscribe blocks until the
// stream ends or ctx is cancelled, calling fn for every frame.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(domain.WireMessage)) error
}

// InboundHandler receives every inbound relay message.
type InboundHandler func(ctx context.Context, msg domain.WireMessage)

// Config holds transport tunables.
type Config struct {
	HeartbeatInterval time.Duration
	RecoveryInterval  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	MaxQueue          int // 0 = unbounded
	UnregisterTimeout time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		RecoveryInterval:  5 * time.Second,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		MaxQueue:          500,
		UnregisterTimeout: 2 * time.Second,
		MinBackoff:        time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithFallback delivers queued messages through sender while the relay is
// unreachable.
func WithFallback(sender domain.PlatformSender) Option {
	return func(t *Transport) { t.fallback = sender }
}

// WithSubscriber streams inbound messages from sub once started.
func WithSubscriber(sub Subscriber) Option {
	return func(t *Transport) { t.sub = sub }
}

// WithEventBus publishes connection and queue events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(t *Transport) { t.bus = bus }
}

// Transport owns the relay connection lifecycle and the outbound queue.
// SendMessage never blocks on the network; one processor goroutine drains
// the queue in FIFO order, requeueing failed messages at the tail.
type Transport struct {
	agentID  string
	client   Client
	sub      Subscriber
	fallback domain.PlatformSender
	bus      domain.EventBus
	cfg      Config
	logger   *slog.Logger

	connected atomic.Bool
	handler   atomic.Pointer[InboundHandler]
	notify    chan struct{}

	mu      sync.Mutex
	queue   []*domain.RelayMessage
	closed  bool
	entropy *ulid.MonotonicEntropy

	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTransport creates a Transport for agentID. Call Connect and Start.
func NewTransport(agentID string, client Client, cfg Config, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		agentID: agentID,
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "relay"),
		notify:  make(chan struct{}, 1),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnMessage sets the single inbound dispatch callback.
func (t *Transport) OnMessage(h InboundHandler) {
	t.handler.Store(&h)
}

// Connect registers this agent with the relay. A false result is not fatal:
// the transport keeps queueing and the heartbeat loop retries registration.
func (t *Transport) Connect(ctx context.Context) bool {
	if err := t.client.Register(ctx); err != nil {
		t.logger.Warn("relay registration failed, running degraded",
			logger.Err(err),
			"fallback", t.fallbackName())
		return false
	}
	t.setConnected(ctx, true)
	return true
}

// Connected reports whether the relay registration is live.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

func (t *Transport) setConnected(ctx context.Context, up bool) {
	if t.connected.Swap(up) == up {
		return
	}
	if up {
		t.logger.Info("relay connected")
		t.publish(ctx, domain.NewEvent(domain.EventRelayConnected, 0, nil))
		t.wake()
		return
	}
	t.logger.Warn("relay disconnected")
	t.publish(ctx, domain.NewEvent(domain.EventRelayDisconnected, 0, nil))
}

// Start launches the queue processor, the heartbeat loop and, when a
// subscriber is configured, the inbound stream.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(2)
	go t.processLoop(ctx)
	go t.heartbeatLoop(ctx)
	if t.sub != nil {
		t.wg.Add(1)
		go t.subscribeLoop(ctx)
	}
}

// SendMessage enqueues text for groupID and returns the message ID.
func (t *Transport) SendMessage(groupID int64, text string) (string, error) {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", domain.NewDomainError("Transport.SendMessage", domain.ErrQueueClosed, "")
	}
	msg := &domain.RelayMessage{
		ID:          ulid.MustNew(ulid.Timestamp(now), t.entropy).String(),
		FromAgentID: t.agentID,
		GroupID:     groupID,
		Text:        text,
		EnqueuedAt:  now,
		Status:      domain.StatusPending,
	}
	var dropped *domain.RelayMessage
	if t.cfg.MaxQueue > 0 && len(t.queue) >= t.cfg.MaxQueue {
		dropped = t.queue[0]
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, msg)
	depth := len(t.queue)
	t.mu.Unlock()

	ctx := context.Background()
	if dropped != nil {
		t.logger.Warn("outbound queue full, dropped oldest message",
			"message_id", dropped.ID,
			"group_id", dropped.GroupID,
			"max_queue", t.cfg.MaxQueue)
		t.publish(ctx, domain.NewEvent(domain.EventMessageDropped, dropped.GroupID, domain.MessageEventPayload{
			MessageID: dropped.ID,
			Retries:   dropped.Retries,
		}))
	}
	t.publish(ctx, domain.NewEvent(domain.EventMessageQueued, groupID, domain.MessageEventPayload{MessageID: msg.ID}))
	t.logger.Debug("message queued", "message_id", msg.ID, "group_id", groupID, "depth", depth)
	t.wake()
	return msg.ID, nil
}

// Pending returns a copy of the queued messages, head first.
func (t *Transport) Pending() []domain.RelayMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.RelayMessage, len(t.queue))
	for i, m := range t.queue {
		out[i] = *m
	}
	return out
}

func (t *Transport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Transport) processLoop(ctx context.Context) {
	defer t.wg.Done()
	recovery := time.NewTicker(t.cfg.RecoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.notify:
		case <-recovery.C:
		}
		t.drain(ctx)
	}
}

// drain delivers queued messages until the queue is empty, delivery is
// impossible, or ctx ends.
func (t *Transport) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if !t.Connected() && t.fallback == nil {
			return
		}
		msg := t.popHead()
		if msg == nil {
			return
		}

		via, err := t.deliver(ctx, msg)
		if err == nil {
			msg.Status = domain.StatusSent
			t.publish(ctx, domain.NewEvent(domain.EventMessageSent, msg.GroupID, domain.MessageEventPayload{
				MessageID: msg.ID,
				Retries:   msg.Retries,
				Via:       via,
			}))
			continue
		}
		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; it does not count as a retry.
			return
		}

		msg.Retries++
		if msg.Retries >= t.cfg.MaxRetries || !domain.IsRetryableError(err) {
			msg.Status = domain.StatusFailed
			t.logger.Warn("message failed permanently",
				"message_id", msg.ID,
				"group_id", msg.GroupID,
				"retries", msg.Retries,
				logger.Err(err))
			t.publish(ctx, domain.NewEvent(domain.EventMessageFailed, msg.GroupID, domain.MessageEventPayload{
				MessageID: msg.ID,
				Retries:   msg.Retries,
				Error:     err.Error(),
			}))
			continue
		}

		t.logger.Warn("message delivery failed, requeueing",
			"message_id", msg.ID,
			"retries", msg.Retries,
			logger.Err(err))
		t.pushTail(msg)
		if !sleepCtx(ctx, t.cfg.RetryDelay) {
			return
		}
	}
}

func (t *Transport) popHead() *domain.RelayMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	msg := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return msg
}

func (t *Transport) pushTail(msg *domain.RelayMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, msg)
}

func (t *Transport) deliver(ctx context.Context, msg *domain.RelayMessage) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "relay.deliver")
	defer span.End()
	span.SetAttributes(
		tracer.GroupAttr(msg.GroupID),
		tracer.StringAttr("chorus.message_id", msg.ID),
		tracer.IntAttr("chorus.retries", msg.Retries),
	)

	via := "relay"
	var err error
	if t.Connected() {
		err = t.client.Send(ctx, msg.GroupID, msg.Text)
	} else {
		via = t.fallback.Name()
		err = t.fallback.SendText(ctx, msg.GroupID, msg.Text)
	}
	span.SetAttributes(tracer.StringAttr("chorus.via", via))
	if err != nil {
		tracer.RecordError(span, err)
		return via, err
	}
	tracer.SetOK(span)
	return via, nil
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.heartbeat(ctx)
		}
	}
}

// heartbeat pings the relay while connected and tries to re-register
// otherwise. Only the heartbeat decides that the relay is down.
func (t *Transport) heartbeat(ctx context.Context) {
	if t.Connected() {
		err := t.client.Heartbeat(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("relay heartbeat failed", logger.Err(err))
		t.setConnected(ctx, false)
	}
	if err := t.client.Register(ctx); err != nil {
		t.logger.Debug("relay reconnect failed", logger.Err(err))
		return
	}
	t.setConnected(ctx, true)
}

func (t *Transport) subscribeLoop(ctx context.Context) {
	defer t.wg.Done()
	backoff := t.cfg.MinBackoff

	for ctx.Err() == nil {
		start := time.Now()
		err := t.sub.Subscribe(ctx, func(msg domain.WireMessage) { t.dispatch(ctx, msg) })
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > t.cfg.MaxBackoff {
			backoff = t.cfg.MinBackoff
		}
		t.logger.Warn("relay subscription ended, resubscribing",
			"backoff", backoff,
			logger.Err(err))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, t.cfg.MaxBackoff)
	}
}

// Dispatch hands one inbound message to the registered handler. A panicking
// handler is logged and does not affect later messages.
func (t *Transport) Dispatch(ctx context.Context, msg domain.WireMessage) {
	t.dispatch(ctx, msg)
}

func (t *Transport) dispatch(ctx context.Context, msg domain.WireMessage) {
	h := t.handler.Load()
	if h == nil {
		t.logger.Debug("inbound message without handler", "message_id", string(msg.MessageID))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("inbound handler panicked",
				"message_id", string(msg.MessageID),
				"panic", fmt.Sprint(r))
		}
	}()
	(*h)(ctx, msg)
}

// Close stops every loop, makes a best-effort unregister call and drops
// whatever is still queued. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		cancel := t.cancel
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		t.wg.Wait()

		if t.connected.Load() {
			ctx, done := context.WithTimeout(context.Background(), t.cfg.UnregisterTimeout)
			if uerr := t.client.Unregister(ctx); uerr != nil {
				t.logger.Warn("relay unregister failed", logger.Err(uerr))
				err = domain.WrapOp("Transport.Close", uerr)
			}
			done()
			t.connected.Store(false)
		}

		t.mu.Lock()
		dropped := len(t.queue)
		t.queue = nil
		t.mu.Unlock()
		if dropped > 0 {
			t.logger.Warn("dropped pending messages on shutdown", "count", dropped)
		}
	})
	return err
}

func (t *Transport) fallbackName() string {
	if t.fallback == nil {
		return "none"
	}
	return t.fallback.Name()
}

func (t *Transport) publish(ctx context.Context, e domain.Event) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(ctx, e)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
