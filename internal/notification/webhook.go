package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// SecretHeader carries the strategy secret alongside the payload field.
const SecretHeader = "X-Webhook-Secret"

// WebhookSink POSTs actions as JSON to the strategy's endpoint, or to a fallback URL
// when the strategy has none.
type WebhookSink struct {
	fallback string
	client   *http.Client
	log      *zap.Logger
}

// NewWebhookSink creates a webhook sink. fallback may be empty.
func NewWebhookSink(fallback string, timeout time.Duration, log *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		fallback: fallback,
		client: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

// webhookPayload is the wire form of an action. Amounts are rendered as exact
// decimal numbers instead of binary float expansions.
type webhookPayload struct {
	ID                string      `json:"id"`
	Secret            string      `json:"secret"`
	Action            string      `json:"action"`
	Position          string      `json:"position"`
	Symbol            string      `json:"symbol"`
	TradeAmount       json.Number `json:"tradeAmount"`
	Leverage          json.Number `json:"leverage"`
	Timestamp         string      `json:"timestamp"`
	StrategyName      string      `json:"strategyName"`
	LevelLabel        string      `json:"levelLabel"`
	ExecutionPrice    json.Number `json:"executionPrice"`
	ExecutionQuantity json.Number `json:"executionQuantity"`
	Manual            bool        `json:"manual"`
}

func num(f float64, places int32) json.Number {
	return json.Number(decimal.NewFromFloat(f).Round(places).String())
}

func newWebhookPayload(a model.EmittedAction) webhookPayload {
	return webhookPayload{
		ID:                a.ID,
		Secret:            a.Secret,
		Action:            string(a.Action),
		Position:          string(a.Position),
		Symbol:            a.Symbol,
		TradeAmount:       num(a.TradeAmount, 8),
		Leverage:          num(a.Leverage, 4),
		Timestamp:         a.Timestamp.UTC().Format(time.RFC3339Nano),
		StrategyName:      a.StrategyName,
		LevelLabel:        a.LevelLabel,
		ExecutionPrice:    num(a.ExecutionPrice, 8),
		ExecutionQuantity: num(a.ExecutionQuantity, 8),
		Manual:            a.Manual,
	}
}

func (w *WebhookSink) Deliver(ctx context.Context, a model.EmittedAction, endpoint string) error {
	url := endpoint
	if url == "" {
		url = w.fallback
	}
	if url == "" {
		return nil
	}

	body, err := json.Marshal(newWebhookPayload(a))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Secret != "" {
		req.Header.Set(SecretHeader, a.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	w.log.Debug("webhook delivered", zap.String("url", url), zap.String("action_id", a.ID))
	return nil
}
