package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
)

// Seeder is the engine surface the backfill needs.
type Seeder interface {
	SeedWindow(id string, gen uint64, candles []model.Candle) error
}

// Backfill seeds new windows from an ordered list of sources: the first source
// that answers with candles wins. When none does, the window is seeded empty so
// the instance starts evaluating on live bars.
type Backfill struct {
	sources []model.Backfiller
	timeout time.Duration
	prom    *metrics.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	seeder Seeder
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackfill creates a backfill over sources, fastest first. Nil sources are skipped.
func NewBackfill(timeout time.Duration, prom *metrics.Metrics, log *zap.Logger, sources ...model.Backfiller) *Backfill {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backfill{timeout: timeout, prom: prom, log: log, ctx: ctx, cancel: cancel}
	for _, s := range sources {
		if s != nil {
			b.sources = append(b.sources, s)
		}
	}
	return b
}

// Bind sets the engine to seed. Requests made before Bind are dropped.
func (b *Backfill) Bind(s Seeder) {
	b.mu.Lock()
	b.seeder = s
	b.mu.Unlock()
}

// RequestBackfill starts a backfill in the background. It never blocks.
func (b *Backfill) RequestBackfill(id string, gen uint64, key model.InstrumentKey, limit int) {
	b.mu.Lock()
	seeder := b.seeder
	b.mu.Unlock()
	if seeder == nil {
		b.log.Warn("backfill requested before engine bound", zap.String("id", id))
		return
	}
	if b.ctx.Err() != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		candles := b.Fetch(b.ctx, key, limit)
		if b.ctx.Err() != nil {
			return
		}
		if err := seeder.SeedWindow(id, gen, candles); err != nil {
			b.log.Debug("seed skipped", zap.String("id", id), zap.Error(err))
		}
	}()
}

// Fetch asks each source in turn and returns the first non-empty answer.
func (b *Backfill) Fetch(ctx context.Context, key model.InstrumentKey, limit int) []model.Candle {
	start := time.Now()
	defer func() {
		if b.prom != nil {
			b.prom.BackfillDur.Observe(time.Since(start).Seconds())
		}
	}()

	for i, src := range b.sources {
		sctx, cancel := context.WithTimeout(ctx, b.timeout)
		candles, err := src.Backfill(sctx, key, limit)
		cancel()
		if err != nil {
			b.log.Warn("backfill source failed", zap.Int("source", i), zap.String("key", key.String()), zap.Error(err))
			continue
		}
		if len(candles) > 0 {
			b.log.Debug("backfill hit", zap.Int("source", i), zap.String("key", key.String()), zap.Int("candles", len(candles)))
			return candles
		}
	}
	return nil
}

// Close cancels running backfills and waits for them.
func (b *Backfill) Close() {
	b.cancel()
	b.wg.Wait()
}

// Wait blocks until every running backfill has finished. Used by tests and the
// backtest runner.
func (b *Backfill) Wait() {
	b.wg.Wait()
}
