// Package notify delivers restock and operator alerts. Delivery is best
// effort: a dropped notification is logged, never allowed to fail a check.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// telegramAPIBase is overridable so tests can point at a local server.
const telegramAPIBase = "https://api.telegram.org"

// Telegram posts messages to a chat through the Bot API sendMessage method.
type Telegram struct {
	client  *http.Client
	apiBase string
	token   string
	chatID  string
	logger  *zap.Logger
}

// TelegramOption adjusts Telegram construction.
type TelegramOption func(*Telegram)

// WithAPIBase redirects Bot API calls, for tests.
func WithAPIBase(base string) TelegramOption {
	return func(t *Telegram) { t.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(client *http.Client) TelegramOption {
	return func(t *Telegram) { t.client = client }
}

// NewTelegram builds a notifier for the given bot token and chat.
func NewTelegram(token, chatID string, logger *zap.Logger, opts ...TelegramOption) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if chatID == "" {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telegram{
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Notify sends text to the configured chat. Failures are logged and swallowed
// so a flaky notification channel never stalls monitoring.
func (t *Telegram) Notify(ctx context.Context, text string) {
	if err := t.send(ctx, text); err != nil {
		t.logger.Error("telegram notification failed", zap.Error(err))
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post sendMessage: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sendMessage status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Log writes notifications to the log only, for dry runs and local
// development where no bot credentials exist.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a log-only notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify records the message at info level.
func (l *Log) Notify(_ context.Context, text string) {
	l.logger.Info("notification", zap.String("text", text))
}
