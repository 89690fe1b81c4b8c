package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSink posts alerts through the bot HTTP API into the tenant's
// chat. A send is attempted a few times with a short gap before giving up,
// so a flaky network does not eat a detection.
type TelegramSink struct {
	botToken string
	apiBase  string
	client   *http.Client
	attempts int
	spacing  time.Duration
}

func NewTelegramSink(botToken string) *TelegramSink {
	if botToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, telegram alerts disabled")
	}
	return &TelegramSink{
		botToken: botToken,
		apiBase:  defaultTelegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		spacing:  time.Second,
	}
}

func (t *TelegramSink) SendConfluence(ctx context.Context, c db.Confluence) error {
	if t.botToken == "" {
		return nil
	}
	text := BuildConfluenceText(c)

	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		err := t.sendMessage(ctx, c.TenantID, text)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Int64("chat", c.TenantID).Msg("telegram alert delivered after retry")
			}
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int64("chat", c.TenantID).Msg("telegram alert send failed")
		if attempt == t.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.spacing):
		}
	}
	return fmt.Errorf("telegram alert after %d attempts: %w", t.attempts, lastErr)
}

func (t *TelegramSink) sendMessage(ctx context.Context, chatID int64, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *TelegramSink) Close() error {
	return nil
}
