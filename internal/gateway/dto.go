package gateway

import (
	"time"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

// Update is the observer payload for one committed strategy view. It carries the
// latest bar and indicator frame, not the whole window.
type Update struct {
	Type       string                `json:"type"` // "update" or "removed"
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	Symbol     string                `json:"symbol,omitempty"`
	Timeframe  string                `json:"timeframe,omitempty"`
	Position   *model.PositionState  `json:"position,omitempty"`
	Stats      *model.TradeStats     `json:"stats,omitempty"`
	LastPrice  float64               `json:"last_price,omitempty"`
	Ready      bool                  `json:"ready"`
	Generation uint64                `json:"generation,omitempty"`
	Bar        *model.Candle         `json:"bar,omitempty"`
	Indicators *indicator.Frame      `json:"indicators,omitempty"`
	Actions    []model.EmittedAction `json:"actions,omitempty"`
	Error      string                `json:"error,omitempty"`
	TS         time.Time             `json:"ts"`
}

// NewUpdate builds the payload for v. Action secrets are stripped.
func NewUpdate(v *strategy.View) Update {
	pos := v.Position.Clone()
	stats := v.Stats
	u := Update{
		Type:       "update",
		ID:         v.ID,
		Name:       v.Config.DisplayName(),
		Symbol:     v.Config.Symbol,
		Timeframe:  v.Config.Timeframe,
		Position:   &pos,
		Stats:      &stats,
		LastPrice:  v.LastPrice,
		Ready:      v.Ready,
		Generation: v.Generation,
		Error:      v.Error,
		TS:         v.UpdatedAt,
	}
	if n := len(v.Bars); n > 0 {
		bar := v.Bars[n-1]
		u.Bar = &bar
	}
	if f, ok := v.Latest(); ok {
		u.Indicators = &f
	}
	if len(v.Actions) > 0 {
		u.Actions = make([]model.EmittedAction, len(v.Actions))
		copy(u.Actions, v.Actions)
		for i := range u.Actions {
			u.Actions[i].Secret = ""
		}
	}
	return u
}

// Removal is the payload sent when a strategy is removed.
func Removal(id string, at time.Time) Update {
	return Update{Type: "removed", ID: id, TS: at}
}

// Channel is the hub channel of one strategy.
func Channel(id string) string { return "strategy:" + id }

// RedisChannel is the Redis Pub/Sub channel updates are relayed on.
func RedisChannel(id string) string { return "pub:strategy:" + id }
