package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chorus/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreaker wraps a ResponseGenerator. When the generator fails
// repeatedly, calls fail fast until the breaker half-opens.
type CircuitBreaker struct {
	inner   domain.ResponseGenerator
	name    string
	breaker *gobreaker.CircuitBreaker[string]
}

// NewCircuitBreaker wraps inner with a circuit breaker named name.
// Zero-valued fields in cfg fall back to defaults.
func NewCircuitBreaker(inner domain.ResponseGenerator, name string, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "generator:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller giving up is not a generator failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreaker{inner: inner, name: name, breaker: cb}
}

// Generate implements domain.ResponseGenerator through the breaker.
func (c *CircuitBreaker) Generate(ctx context.Context, msg domain.InboundMessage, convCtx domain.ConversationContext) (string, error) {
	text, err := c.breaker.Execute(func() (string, error) {
		return c.inner.Generate(ctx, msg, convCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("generator %q circuit open: %w", c.name, err)
		}
		return "", err
	}
	return text, nil
}

// State returns the current circuit breaker state for monitoring.
func (c *CircuitBreaker) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

var _ domain.ResponseGenerator = (*CircuitBreaker)(nil)
