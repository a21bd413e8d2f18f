// Package persist writes strategy snapshots asynchronously and restores them.
package persist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// Chain fans writes out to every store and reads hot-first. Stores are ordered
// fastest first (Redis, then SQLite).
type Chain struct {
	stores []model.SnapshotStore
	log    *zap.Logger
}

// NewChain builds a chain. Nil stores are skipped.
func NewChain(log *zap.Logger, stores ...model.SnapshotStore) *Chain {
	c := &Chain{log: log}
	for _, s := range stores {
		if s != nil {
			c.stores = append(c.stores, s)
		}
	}
	return c
}

// Len returns the number of stores in the chain.
func (c *Chain) Len() int { return len(c.stores) }

func (c *Chain) Save(ctx context.Context, id string, snap model.Snapshot) error {
	var errs []error
	for i, s := range c.stores {
		if err := s.Save(ctx, id, snap); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) Delete(ctx context.Context, id string) error {
	var errs []error
	for i, s := range c.stores {
		if err := s.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Load returns the first hit in store order. A failing store is logged and
// skipped; the error is returned only when no store answered.
func (c *Chain) Load(ctx context.Context, id string) (model.Snapshot, bool, error) {
	var errs []error
	for i, s := range c.stores {
		snap, ok, err := s.Load(ctx, id)
		if err != nil {
			c.log.Warn("snapshot load failed", zap.Int("store", i), zap.String("id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			return snap, true, nil
		}
	}
	if len(errs) == len(c.stores) && len(errs) > 0 {
		return model.Snapshot{}, false, errors.Join(errs...)
	}
	return model.Snapshot{}, false, nil
}

// LoadAll merges every store; for an id present in several, the newest SavedAt
// wins. Ties go to the earlier (hotter) store.
func (c *Chain) LoadAll(ctx context.Context) (map[string]model.Snapshot, error) {
	out := make(map[string]model.Snapshot)
	var errs []error
	for i, s := range c.stores {
		all, err := s.LoadAll(ctx)
		if err != nil {
			c.log.Warn("snapshot load all failed", zap.Int("store", i), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for id, snap := range all {
			if cur, ok := out[id]; ok && !snap.SavedAt.After(cur.SavedAt) {
				continue
			}
			out[id] = snap
		}
	}
	if len(errs) == len(c.stores) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
