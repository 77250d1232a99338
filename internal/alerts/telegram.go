package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const telegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	BotToken   string
	ChatID     string
	ProxyURL   string
	MaxRetries int
	Timeout    time.Duration
	// APIBase overrides the Bot API host.
	APIBase string
	// RetryBase is the first retry delay, doubled per attempt.
	RetryBase time.Duration
}

// TelegramSink sends alerts via the Telegram Bot API.
type TelegramSink struct {
	cfg    TelegramConfig
	client *http.Client
	logger *zap.Logger
}

// NewTelegramSink creates a sink with optional proxy support.
func NewTelegramSink(logger *zap.Logger, cfg TelegramConfig) *TelegramSink {
	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = telegramAPI
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &TelegramSink{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.Named("telegram"),
	}
}

// Send delivers alert with exponential backoff retry.
func (t *TelegramSink) Send(ctx context.Context, alert Alert) error {
	text := Format(alert)

	var lastErr error
	for i := 0; i <= t.cfg.MaxRetries; i++ {
		err := t.post(ctx, text)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == t.cfg.MaxRetries {
			break
		}

		backoff := t.cfg.RetryBase * time.Duration(1<<uint(i))
		t.logger.Warn("Telegram send failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("maxAttempts", t.cfg.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("all %d attempts exhausted: %w", t.cfg.MaxRetries+1, lastErr)
}

func (t *TelegramSink) post(ctx context.Context, text string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIBase, t.cfg.BotToken)
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Format renders an alert as Telegram HTML.
func Format(alert Alert) string {
	icon := "ℹ️"
	switch alert.Severity {
	case SeverityCritical:
		icon = "🚨"
	case SeverityWarning:
		icon = "⚠️"
	}
	return fmt.Sprintf("%s <b>%s</b>\n%s\n<i>%s</i>",
		icon,
		html.EscapeString(alert.Subject),
		html.EscapeString(alert.Body),
		alert.Timestamp.UTC().Format(time.RFC3339))
}
