package position

import (
	"fmt"
	"time"

	"strategy-engine/internal/model"
)

// OverrideInput is a manual order against the last known price.
type OverrideInput struct {
	Config    model.StrategyConfig
	Position  model.PositionState
	Stats     model.TradeStats
	Target    model.Direction
	LastPrice float64
	// BarTime is recorded as the open time of a manually opened position.
	BarTime time.Time
	Now     time.Time
}

// Override forces the position to Target. A reversal closes the current side and opens the
// new one, emitting two actions. Manual entries skip the daily cap but still count against it.
// Flattening works without a known price; the close is then reported at price 0.
func Override(in OverrideInput) (Result, error) {
	if !in.Target.Valid() {
		return Result{}, fmt.Errorf("%w: direction %q", model.ErrInvalidConfig, in.Target)
	}
	// A close needs no price to size it; only entries do.
	if in.LastPrice <= 0 && in.Target != model.Flat {
		return Result{}, model.ErrNoPrice
	}
	price := in.LastPrice
	if price < 0 {
		price = 0
	}
	res := Result{
		Position: in.Position.Clone(),
		Stats:    RollDay(in.Stats, in.Now),
	}
	res.Changed = res.Stats != in.Stats

	if res.Position.Direction == in.Target {
		return res, nil
	}
	if !res.Position.IsFlat() {
		closeAll(&res, in.Config, price, LabelManualClose, in.Now, true)
	}
	if in.Target == model.Flat {
		return res, nil
	}
	if a, ok := open(&res, in.Config, in.Target, in.LastPrice, in.BarTime, in.Now, LabelManualEntry, true); ok {
		res.Actions = append(res.Actions, a)
	}
	return res, nil
}
