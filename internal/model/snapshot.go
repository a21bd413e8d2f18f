package model

import "time"

// SnapshotVersion is the schema version written into every Snapshot.
const SnapshotVersion = 1

// Snapshot is the persisted part of a strategy runtime. Windows and indicators are
// rebuilt by backfill, so they are not stored.
type Snapshot struct {
	Config   StrategyConfig `json:"config"`
	Position PositionState  `json:"position"`
	Stats    TradeStats     `json:"stats"`
	SavedAt  time.Time      `json:"saved_at"`
	Version  int            `json:"version"`
}
