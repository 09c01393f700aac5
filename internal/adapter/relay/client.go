package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"chorus/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker in front of the relay.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// StatusError is a non-2xx relay response.
type StatusError struct {
	Op     string
	Status int
	Body   string
	// registration marks a refused /register call.
	registration bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Unwrap exposes the error categories: every status error is a transport
// failure, and a refused registration is also a registration failure.
func (e *StatusError) Unwrap() []error {
	if e.registration {
		return []error{domain.ErrRegistration, domain.ErrTransport}
	}
	return []error{domain.ErrTransport}
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Agents     int      `json:"agents"`
	AgentsList []string `json:"agents_list"`
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithSendRate paces /sendMessage calls to r per second with the given burst.
// A rate of 0 disables pacing.
func WithSendRate(r float64, burst int) ClientOption {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(c *Client) { c.breakerCfg = cfg }
}

// Client talks to the relay's HTTP API. Every call goes through one circuit
// breaker so a dead relay is not hammered by heartbeats and retries.
type Client struct {
	baseURL    string
	agentID    string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	breakerCfg BreakerConfig
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewClient creates a relay client for agentID.
func NewClient(baseURL, agentID, token string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "relay_client"),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = newBreaker(c.breakerCfg, c.logger)
	return c
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
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

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "relay",
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
		// Client errors say nothing about relay health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < 500
			}
			return err == nil
		},
	})
}

type registerRequest struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type unregisterRequest struct {
	AgentID string `json:"agent_id"`
}

type heartbeatRequest struct {
	AgentID   string `json:"agent_id"`
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

type sendRequest struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	Text    string `json:"text"`
}

// Register implements POST /register.
func (c *Client) Register(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/register", registerRequest{AgentID: c.agentID, Token: c.token})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			se.registration = true
			return domain.NewDomainError("Client.Register", se, "")
		}
		return domain.NewDomainError("Client.Register", fmt.Errorf("%w: %w", domain.ErrRegistration, err), "")
	}
	return nil
}

// Unregister implements POST /unregister.
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/unregister", unregisterRequest{AgentID: c.agentID})
	return domain.WrapOp("Client.Unregister", err)
}

// Heartbeat implements POST /heartbeat.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/heartbeat", heartbeatRequest{
		AgentID:   c.agentID,
		Token:     c.token,
		Timestamp: time.Now().UnixMilli(),
	})
	return domain.WrapOp("Client.Heartbeat", err)
}

// Send implements POST /sendMessage, paced by the send limiter.
func (c *Client) Send(ctx context.Context, groupID int64, text string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.NewDomainError("Client.Send", domain.ErrTimeout, err.Error())
		}
	}
	_, err := c.do(ctx, http.MethodPost, "/sendMessage", sendRequest{
		AgentID: c.agentID,
		Token:   c.token,
		ChatID:  groupID,
		Text:    text,
	})
	return domain.WrapOp("Client.Send", err)
}

// Health implements GET /health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return HealthStatus{}, domain.WrapOp("Client.Health", err)
	}
	var hs HealthStatus
	if err := json.Unmarshal(body, &hs); err != nil {
		return HealthStatus{}, domain.NewDomainError("Client.Health", domain.ErrTransport, "decode: "+err.Error())
	}
	return hs, nil
}

// Registered reports whether the relay lists this agent as registered.
func (c *Client) Registered(ctx context.Context) (bool, error) {
	hs, err := c.Health(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(hs.AgentsList, c.agentID), nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: relay circuit open: %w", domain.ErrTransport, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: strings.TrimPrefix(path, "/"), Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
