package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/internal/model"
)

// TelegramSink mirrors actions into a Telegram chat via the Bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramSink creates a Telegram sink.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

// message renders an action as a MarkdownV2 message.
func message(a model.EmittedAction) string {
	emoji := "🟢"
	switch a.Action {
	case model.ActionSell:
		emoji = "🔴"
	case model.ActionBuyToCover:
		emoji = "🔵"
	}
	title := fmt.Sprintf("%s %s", strings.ToUpper(string(a.Action)), a.Symbol)
	if a.Manual {
		title += " (manual)"
	}
	body := fmt.Sprintf("%s\n%s\nqty %s @ %s\nposition: %s",
		a.StrategyName,
		a.LevelLabel,
		decimal.NewFromFloat(a.ExecutionQuantity).Round(8).String(),
		decimal.NewFromFloat(a.ExecutionPrice).Round(8).String(),
		a.Position)
	return fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdown(title), escapeMarkdown(body))
}

func (t *TelegramSink) Deliver(ctx context.Context, a model.EmittedAction, _ string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message(a),
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
