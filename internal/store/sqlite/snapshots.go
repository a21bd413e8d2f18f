package sqlite

import (
	"context"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// SnapshotStore is the durable model.SnapshotStore.
type SnapshotStore struct {
	w   *Writer
	r   *Reader
	log *zap.Logger
}

// NewSnapshotStore combines the writer and a reader on the same database.
func NewSnapshotStore(w *Writer, r *Reader, log *zap.Logger) *SnapshotStore {
	return &SnapshotStore{w: w, r: r, log: log}
}

func (s *SnapshotStore) Name() string { return "sqlite" }

func (s *SnapshotStore) Save(ctx context.Context, id string, snap model.Snapshot) error {
	return s.w.SaveSnapshot(ctx, id, snap)
}

func (s *SnapshotStore) Load(ctx context.Context, id string) (model.Snapshot, bool, error) {
	return s.r.ReadSnapshot(ctx, id)
}

func (s *SnapshotStore) LoadAll(ctx context.Context) (map[string]model.Snapshot, error) {
	return s.r.ReadSnapshots(ctx, func(id string, err error) {
		s.log.Warn("skipping unreadable snapshot", zap.String("id", id), zap.Error(err))
	})
}

func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	return s.w.DeleteSnapshot(ctx, id)
}
