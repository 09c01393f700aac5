package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chorus/internal/domain"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramOption configures the Telegram adapter.
type TelegramOption func(*Telegram)

// WithTelegramBaseURL points the adapter at a different Bot API host.
func WithTelegramBaseURL(u string) TelegramOption {
	return func(t *Telegram) {
		if u != "" {
			t.baseURL = u
		}
	}
}

// WithTelegramGroups restricts polled updates to the given chats.
func WithTelegramGroups(groups []int64) TelegramOption {
	return func(t *Telegram) { t.groups = slices.Clone(groups) }
}

// WithTelegramPollTimeout sets the getUpdates long-poll timeout in seconds.
func WithTelegramPollTimeout(seconds int) TelegramOption {
	return func(t *Telegram) { t.pollTimeout = seconds }
}

// WithTelegramRetryDelay sets the pause after a failed getUpdates call.
func WithTelegramRetryDelay(d time.Duration) TelegramOption {
	return func(t *Telegram) { t.retryDelay = d }
}

// Telegram talks to the Telegram Bot API directly. It is the degraded-mode
// sender when the relay is unreachable, and can long-poll group updates
// so human messages still reach the router.
type Telegram struct {
	token       string
	logger      *slog.Logger
	client      *http.Client
	baseURL     string
	groups      []int64
	pollTimeout int
	retryDelay  time.Duration

	offset   int64
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTelegram creates a Telegram adapter for the bot token.
func NewTelegram(token string, logger *slog.Logger, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:       token,
		logger:      logger.With("component", "telegram"),
		baseURL:     defaultTelegramBaseURL,
		pollTimeout: 30,
		retryDelay:  5 * time.Second,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements domain.PlatformSender.
func (t *Telegram) Name() string { return "telegram" }

// SendText implements domain.PlatformSender.
func (t *Telegram) SendText(ctx context.Context, groupID int64, text string) error {
	if err := t.sendMessage(ctx, groupID, text); err != nil {
		return domain.NewDomainError("Telegram.SendText", fmt.Errorf("%w: %w", domain.ErrPlatform, err), "")
	}
	return nil
}

// Username resolves the bot's own username through getMe.
func (t *Telegram) Username(ctx context.Context) (string, error) {
	name, err := t.getMe(ctx)
	if err != nil {
		return "", domain.NewDomainError("Telegram.Username", domain.ErrPlatform, err.Error())
	}
	return name, nil
}

// StartPolling long-polls getUpdates in the background, handing every
// text message from a monitored group to fn. Non-blocking.
func (t *Telegram) StartPolling(ctx context.Context, fn func(context.Context, domain.WireMessage)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollLoop(ctx, fn)
	}()
	t.logger.Info("telegram polling started", "groups", len(t.groups))
}

// Stop ends polling and waits for the poll loop to return.
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Telegram) pollLoop(ctx context.Context, fn func(context.Context, domain.WireMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-time.After(t.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			w, ok := t.toWire(u)
			if !ok {
				continue
			}
			fn(ctx, w)
		}
	}
}

// toWire converts one update into the relay's wire shape. Private chats,
// unmonitored groups and non-text messages are dropped.
func (t *Telegram) toWire(u telegramUpdate) (domain.WireMessage, bool) {
	m := u.Message
	if m == nil || m.Text == "" {
		return domain.WireMessage{}, false
	}
	if m.Chat.Type == "private" {
		return domain.WireMessage{}, false
	}
	if len(t.groups) > 0 && !slices.Contains(t.groups, m.Chat.ID) {
		return domain.WireMessage{}, false
	}

	w := domain.WireMessage{
		MessageID: domain.FlexID(strconv.FormatInt(m.MessageID, 10)),
		Chat:      domain.WireChat{ID: domain.FlexID(strconv.FormatInt(m.Chat.ID, 10))},
		Text:      m.Text,
		Date:      m.Date,
	}
	if m.From != nil {
		w.From = domain.WireUser{Username: m.From.Username, IsBot: m.From.IsBot}
		if w.From.Username == "" {
			w.From.Username = strconv.FormatInt(m.From.ID, 10)
		}
	}
	return w, true
}

// --- Telegram Bot API types ---

type telegramUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *telegramUser `json:"from,omitempty"`
	Chat      telegramChat  `json:"chat"`
	Date      int64         `json:"date"`
	Text      string        `json:"text"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramUpdateResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

type telegramSendRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

type telegramGetMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Username string `json:"username"`
	} `json:"result"`
}

// redact strips the bot token from err. net/http errors carry the request
// URL, and every Bot API URL embeds the token.
func (t *Telegram) redact(err error) error {
	if err == nil || t.token == "" || !strings.Contains(err.Error(), t.token) {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, t.token, "<redacted>"), Err: ue.Err}
	}
	return errors.New(strings.ReplaceAll(err.Error(), t.token, "<redacted>"))
}

func (t *Telegram) getMe(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getMe", t.baseURL, t.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", t.redact(err))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", t.redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var result telegramGetMeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}

	if !result.OK || result.Result.Username == "" {
		return "", fmt.Errorf("getMe returned ok=%v username=%q", result.OK, result.Result.Username)
	}

	return result.Result.Username, nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d", t.baseURL, t.token, t.offset, t.pollTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", t.redact(err))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", t.redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API error %d: %s", resp.StatusCode, string(body))
	}

	var result telegramUpdateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}

	return result.Result, nil
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload, err := json.Marshal(telegramSendRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", t.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request: %w", domain.ErrTransport, t.redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
	}

	// 429 and 5xx are worth retrying; other statuses are final.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: telegram sendMessage error %d: %s", domain.ErrTransport, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage error %d: %s", resp.StatusCode, string(body))
	}

	var result telegramSendResponse
	if err := json.Unmarshal(body, &result); err == nil && !result.OK {
		return fmt.Errorf("telegram sendMessage rejected: %s", result.Description)
	}

	return nil
}

var _ domain.PlatformSender = (*Telegram)(nil)
