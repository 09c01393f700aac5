package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chorus/internal/domain"
)

// subscriberBuffer bounds how many undelivered events one subscriber may
// hold. Events for a subscriber whose inbox is full are dropped.
const subscriberBuffer = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one goroutine that feeds its handler in publish order.
type subscription struct {
	id      uint64
	handler domain.EventHandler
	inbox   chan delivery
	done    chan struct{}
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber receives
// events in the order they were published. Publish never blocks: a
// subscriber that falls a full buffer behind loses events instead of
// stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	d := delivery{ctx: ctx, event: event}
	for _, sub := range b.typed[event.Type] {
		b.offer(sub, d)
	}
	for _, sub := range b.allSubs {
		b.offer(sub, d)
	}
}

// offer hands d to sub without blocking. Inboxes are only closed under the
// write lock, so sending while Publish holds the read lock is safe.
func (b *Bus) offer(sub *subscription, d delivery) {
	select {
	case sub.inbox <- d:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event subscriber backlogged, event dropped",
			"event", string(d.event.Type),
			"subscriber", sub.id,
			"dropped_total", n,
		)
	}
}

// Dropped returns how many deliveries were discarded because a
// subscriber's inbox was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		inbox:   make(chan delivery, subscriberBuffer),
		done:    make(chan struct{}),
	}
	go b.pump(sub)
	return sub
}

func (b *Bus) pump(sub *subscription) {
	defer close(sub.done)
	for d := range sub.inbox {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function; events already queued are still delivered.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.typed[eventType]
			for i, s := range subs {
				if s.id == sub.id {
					b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(s.inbox)
					return
				}
			}
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.allSubs = append(b.allSubs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.allSubs {
				if s.id == sub.id {
					b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
					close(s.inbox)
					return
				}
			}
		})
	}
}

// Close prevents new publishes and waits for every subscriber to drain
// the events it has already been handed.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	var subs []*subscription
	for _, list := range b.typed {
		subs = append(subs, list...)
	}
	subs = append(subs, b.allSubs...)
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	for _, s := range subs {
		close(s.inbox)
	}
	b.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}

var _ domain.EventBus = (*Bus)(nil)
