package strategy

import (
	"time"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
)

// View is a committed, read-only copy of one strategy runtime. Observers and
// persistence only ever see Views; a View is never modified after it is published.
type View struct {
	ID         string                `json:"id"`
	Config     model.StrategyConfig  `json:"config"`
	Bars       []model.Candle        `json:"bars"`
	Frames     []indicator.Frame     `json:"frames"`
	Position   model.PositionState   `json:"position"`
	Stats      model.TradeStats      `json:"stats"`
	LastPrice  float64               `json:"last_price"`
	Ready      bool                  `json:"ready"`
	Generation uint64                `json:"generation"`
	Error      string                `json:"error,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Actions    []model.EmittedAction `json:"-"`
}

// Snapshot returns the persisted subset of the view.
func (v *View) Snapshot() model.Snapshot {
	return model.Snapshot{
		Config:   v.Config,
		Position: v.Position.Clone(),
		Stats:    v.Stats,
		SavedAt:  v.UpdatedAt,
		Version:  model.SnapshotVersion,
	}
}

// Latest returns the indicator frame of the last bar, if any.
func (v *View) Latest() (indicator.Frame, bool) {
	if len(v.Frames) == 0 {
		return indicator.Frame{}, false
	}
	return v.Frames[len(v.Frames)-1], true
}
