package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chorus/internal/domain"
)

// Default connection pool settings: one generator host, a handful of
// concurrent replies, long-lived connections.
const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 10 * time.Second
	defaultTimeout             = 60 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// for generator calls.
func NewPooledTransport(connTimeout time.Duration) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}

type generateRequest struct {
	Message domain.InboundMessage      `json:"message"`
	Context domain.ConversationContext `json:"context"`
}

type generateResponse struct {
	Text *string `json:"text"`
}

// HTTP asks an external service for reply text. The service receives
// {message, context} and answers {text}; a null or empty text means the
// character stays silent.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP generator posting to url.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		url: url,
		client: &http.Client{
			Transport: NewPooledTransport(defaultConnTimeout),
			Timeout:   timeout,
		},
	}
}

// Name identifies the generator in logs and breaker names.
func (h *HTTP) Name() string { return "http" }

// Generate implements domain.ResponseGenerator.
func (h *HTTP) Generate(ctx context.Context, msg domain.InboundMessage, convCtx domain.ConversationContext) (string, error) {
	payload, err := json.Marshal(generateRequest{Message: msg, Context: convCtx})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return "", nil
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("generator error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Text == nil {
		return "", nil
	}
	return strings.TrimSpace(*out.Text), nil
}

var _ domain.ResponseGenerator = (*HTTP)(nil)
