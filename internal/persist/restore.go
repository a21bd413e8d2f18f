package persist

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

// Restore loads every snapshot from store into the engine, oldest id first.
// Unusable snapshots are logged and skipped. Returns the number restored.
func Restore(ctx context.Context, store model.SnapshotStore, eng *strategy.Engine, log *zap.Logger) (int, error) {
	all, err := store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		snap := all[id]
		if snap.Config.ID == "" {
			snap.Config.ID = id
		}
		if _, err := eng.Restore(snap); err != nil {
			log.Warn("skipping snapshot", zap.String("id", id), zap.Error(err))
			continue
		}
		n++
	}
	log.Info("strategies restored", zap.Int("restored", n), zap.Int("found", len(all)))
	return n, nil
}
