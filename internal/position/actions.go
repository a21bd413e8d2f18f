package position

import (
	"time"

	"github.com/google/uuid"

	"strategy-engine/internal/model"
)

// Level labels used for full exits that are not tied to a configured level.
const (
	LabelEntry        = "Entry"
	LabelExitSignal   = "Exit signal"
	LabelTrailingStop = "Trailing stop"
	LabelManualEntry  = "Manual entry"
	LabelManualClose  = "Manual close"
)

func newAction(cfg model.StrategyConfig, typ model.ActionType, after model.Direction,
	price, qty float64, label string, now time.Time, manual bool) model.EmittedAction {
	return model.EmittedAction{
		ID:                uuid.NewString(),
		StrategyID:        cfg.ID,
		Secret:            cfg.Secret,
		Action:            typ,
		Position:          model.LabelFor(after),
		Symbol:            cfg.Symbol,
		TradeAmount:       cfg.TradeAmount,
		Leverage:          cfg.Leverage,
		Timestamp:         now,
		StrategyName:      cfg.DisplayName(),
		LevelLabel:        label,
		ExecutionPrice:    price,
		ExecutionQuantity: qty,
		Manual:            manual,
	}
}

// entryAction maps an entry direction to buy/sell.
func entryAction(d model.Direction) model.ActionType {
	if d == model.Short {
		return model.ActionSell
	}
	return model.ActionBuy
}

// exitAction maps the side being reduced to sell/buy_to_cover.
func exitAction(d model.Direction) model.ActionType {
	if d == model.Short {
		return model.ActionBuyToCover
	}
	return model.ActionSell
}
