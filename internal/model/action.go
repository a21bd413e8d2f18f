package model

import (
	"encoding/json"
	"time"
)

// ActionType is the order verb sent to the destination endpoint.
type ActionType string

const (
	ActionBuy        ActionType = "buy"
	ActionSell       ActionType = "sell"
	ActionBuyToCover ActionType = "buy_to_cover"
)

// PositionLabel is the position the strategy holds after the action.
type PositionLabel string

const (
	PositionLong  PositionLabel = "long"
	PositionShort PositionLabel = "short"
	PositionFlat  PositionLabel = "flat"
)

// LabelFor maps a direction to its payload label.
func LabelFor(d Direction) PositionLabel {
	switch d {
	case Long:
		return PositionLong
	case Short:
		return PositionShort
	default:
		return PositionFlat
	}
}

// EmittedAction is the webhook payload produced by one triggering transition.
// Values are never mutated after creation.
type EmittedAction struct {
	ID                string        `json:"id"`
	StrategyID        string        `json:"strategy_id"`
	Secret            string        `json:"secret"`
	Action            ActionType    `json:"action"`
	Position          PositionLabel `json:"position"`
	Symbol            string        `json:"symbol"`
	TradeAmount       float64       `json:"trade_amount"`
	Leverage          float64       `json:"leverage"`
	Timestamp         time.Time     `json:"timestamp"`
	StrategyName      string        `json:"strategy_name"`
	LevelLabel        string        `json:"level_label"`
	ExecutionPrice    float64       `json:"execution_price"`
	ExecutionQuantity float64       `json:"execution_quantity"`
	Manual            bool          `json:"manual"`
}

// JSON returns the JSON-encoded action.
func (a *EmittedAction) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
