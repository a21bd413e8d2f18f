package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
)

type op struct {
	snap   model.Snapshot
	delete bool
}

// Persister coalesces snapshot writes per strategy: only the latest pending
// snapshot for an id is written. Schedule and Forget never block.
type Persister struct {
	store   model.SnapshotStore
	prom    *metrics.Metrics
	log     *zap.Logger
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]op
	forgotten map[string]bool
	wake      chan struct{}
	done      chan struct{}
}

// NewPersister creates a persister writing to store. timeout bounds each store call.
func NewPersister(store model.SnapshotStore, timeout time.Duration, prom *metrics.Metrics, log *zap.Logger) *Persister {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Persister{
		store:     store,
		prom:      prom,
		log:       log,
		timeout:   timeout,
		pending:   make(map[string]op),
		forgotten: make(map[string]bool),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Schedule queues snap for id, replacing any pending write for the same id.
func (p *Persister) Schedule(id string, snap model.Snapshot) {
	p.mu.Lock()
	delete(p.forgotten, id)
	p.put(id, op{snap: snap})
	p.mu.Unlock()
	p.signal()
}

// ScheduleAll queues a batch taken from the registry. Ids removed since the batch
// was taken are skipped.
func (p *Persister) ScheduleAll(snaps map[string]model.Snapshot) {
	p.mu.Lock()
	for id, snap := range snaps {
		if p.forgotten[id] {
			continue
		}
		if cur, ok := p.pending[id]; ok && cur.snap.SavedAt.After(snap.SavedAt) {
			continue
		}
		p.put(id, op{snap: snap})
	}
	p.mu.Unlock()
	p.signal()
}

// Forget queues a delete for id and drops any pending save.
func (p *Persister) Forget(id string) {
	p.mu.Lock()
	p.forgotten[id] = true
	p.pending[id] = op{delete: true}
	p.mu.Unlock()
	p.signal()
}

func (p *Persister) put(id string, o op) {
	if cur, ok := p.pending[id]; ok && !cur.delete && p.prom != nil {
		p.prom.SnapshotsCoalesce.Inc()
	}
	p.pending[id] = o
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued writes.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run writes queued snapshots until ctx is cancelled, then performs a final flush
// bounded by drainTimeout.
func (p *Persister) Run(ctx context.Context, drainTimeout time.Duration) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			n := p.Flush(fctx)
			cancel()
			p.log.Info("snapshot persister stopped", zap.Int("flushed", n), zap.Int("left", p.Pending()))
			return
		case <-p.wake:
			p.Flush(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (p *Persister) Done() <-chan struct{} { return p.done }

// Flush writes everything queued so far and returns the number of successful
// writes. Failed writes are re-queued unless a newer one arrived meanwhile.
func (p *Persister) Flush(ctx context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]op, len(batch))
	p.mu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ok := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			p.requeue(id, batch[id])
			continue
		}
		if err := p.write(ctx, id, batch[id]); err != nil {
			if p.prom != nil {
				p.prom.SnapshotErrors.Inc()
			}
			p.log.Warn("snapshot write failed", zap.String("id", id), zap.Bool("delete", batch[id].delete), zap.Error(err))
			p.requeue(id, batch[id])
			continue
		}
		ok++
	}
	return ok
}

func (p *Persister) write(ctx context.Context, id string, o op) error {
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if o.delete {
		err = p.store.Delete(wctx, id)
	} else {
		err = p.store.Save(wctx, id, o.snap)
	}
	if p.prom != nil && err == nil {
		p.prom.SnapshotSaveDur.Observe(time.Since(start).Seconds())
	}
	return err
}

func (p *Persister) requeue(id string, o op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, newer := p.pending[id]; newer {
		return
	}
	if !o.delete && p.forgotten[id] {
		return
	}
	p.pending[id] = o
}
