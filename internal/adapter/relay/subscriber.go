package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chorus/internal/domain"
)

const maxFrameSize = 1 << 20

type helloFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

// Subscriber streams inbound messages from the relay's /subscribe websocket.
type Subscriber struct {
	baseURL string
	agentID string
	token   string
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber. baseURL is the relay's http(s) URL;
// the scheme is switched to ws(s) when dialing.
func NewSubscriber(baseURL, agentID, token string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		token:   token,
		logger:  logger.With("component", "relay_subscriber"),
	}
}

// Subscribe dials the relay and calls fn for every inbound frame until the
// stream closes or ctx is cancelled. Frames that do not decode are skipped.
func (s *Subscriber) Subscribe(ctx context.Context, fn func(domain.WireMessage)) error {
	wsURL, err := s.streamURL()
	if err != nil {
		return domain.NewDomainError("Subscriber.Subscribe", domain.ErrInvalidInput, err.Error())
	}

	opts := &websocket.DialOptions{}
	if s.token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + s.token},
		}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("%w: relay subscribe: %w", domain.ErrTransport, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "subscriber done")
	conn.SetReadLimit(maxFrameSize)

	if err := wsjson.Write(ctx, conn, helloFrame{Type: "hello", AgentID: s.agentID}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello write error")
		return fmt.Errorf("%w: relay hello: %w", domain.ErrTransport, err)
	}
	s.logger.Info("relay subscription open", "url", wsURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: relay stream: %w", domain.ErrTransport, err)
		}

		var msg domain.WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("skipping undecodable relay frame", "error", err, "size", len(data))
			continue
		}
		fn(msg)
	}
}

func (s *Subscriber) streamURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/subscribe"
	q := u.Query()
	q.Set("agent_id", s.agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
