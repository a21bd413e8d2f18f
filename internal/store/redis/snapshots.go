package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// SnapshotHash is the hash holding one JSON snapshot per strategy id.
const SnapshotHash = "strategy:snapshots"

// SnapshotStore is the hot model.SnapshotStore. Every call goes through the
// circuit breaker.
type SnapshotStore struct {
	client *goredis.Client
	cb     *CircuitBreaker
	key    string
	log    *zap.Logger
}

// NewSnapshotStore creates a store on the default hash. cb may be nil.
func NewSnapshotStore(client *goredis.Client, cb *CircuitBreaker, log *zap.Logger) *SnapshotStore {
	if cb == nil {
		cb = NewCircuitBreaker(5, 0)
	}
	return &SnapshotStore{client: client, cb: cb, key: SnapshotHash, log: log}
}

func (s *SnapshotStore) Name() string { return "redis" }

func (s *SnapshotStore) Save(ctx context.Context, id string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.cb.Execute(func() error {
		if err := s.client.HSet(ctx, s.key, id, data).Err(); err != nil {
			return fmt.Errorf("redis hset snapshot %s: %w", id, err)
		}
		return nil
	})
}

func (s *SnapshotStore) Load(ctx context.Context, id string) (model.Snapshot, bool, error) {
	var raw string
	err := s.cb.Execute(func() error {
		var err error
		raw, err = s.client.HGet(ctx, s.key, id).Result()
		return err
	})
	if err == goredis.Nil {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("redis hget snapshot %s: %w", id, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *SnapshotStore) LoadAll(ctx context.Context) (map[string]model.Snapshot, error) {
	var all map[string]string
	err := s.cb.Execute(func() error {
		var err error
		all, err = s.client.HGetAll(ctx, s.key).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis hgetall snapshots: %w", err)
	}
	return decodeSnapshots(all, s.log), nil
}

func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	return s.cb.Execute(func() error {
		if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
			return fmt.Errorf("redis hdel snapshot %s: %w", id, err)
		}
		return nil
	})
}

func decodeSnapshots(raw map[string]string, log *zap.Logger) map[string]model.Snapshot {
	out := make(map[string]model.Snapshot, len(raw))
	for id, data := range raw {
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			log.Warn("skipping unreadable snapshot", zap.String("id", id), zap.Error(err))
			continue
		}
		out[id] = snap
	}
	return out
}
