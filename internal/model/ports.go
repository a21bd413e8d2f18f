package model

import "context"

// ── Port interfaces ──
// These decouple the strategy engine from concrete storage and transport
// (Redis, SQLite, HTTP). Implementations live under internal/store and internal/notification.

// SnapshotStore persists strategy snapshots keyed by strategy id.
type SnapshotStore interface {
	// Save upserts the snapshot for id.
	Save(ctx context.Context, id string, snap Snapshot) error

	// Load returns the snapshot for id. ok is false when none exists.
	Load(ctx context.Context, id string) (snap Snapshot, ok bool, err error)

	// LoadAll returns every stored snapshot keyed by id.
	LoadAll(ctx context.Context) (map[string]Snapshot, error)

	// Delete removes the snapshot for id. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
}

// Backfiller returns the most recent candles (oldest first, at most limit) for an instrument.
type Backfiller interface {
	Backfill(ctx context.Context, key InstrumentKey, limit int) ([]Candle, error)
}

// CandleArchive stores candles so later instances can be backfilled from them.
type CandleArchive interface {
	// Run consumes bars until ctx is cancelled or ch is closed.
	Run(ctx context.Context, ch <-chan Bar)
}

// ActionSink delivers an emitted action to one destination.
type ActionSink interface {
	Name() string
	Deliver(ctx context.Context, action EmittedAction, endpoint string) error
}
