// Package replay streams archived candles in time order for backtesting.
package replay

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// CandleSource reads archived candles for one instrument, oldest first.
type CandleSource interface {
	ReadCandles(ctx context.Context, key model.InstrumentKey, from time.Time) ([]model.Candle, error)
}

// Replayer merges the archives of several instruments into one time-ordered
// bar stream.
type Replayer struct {
	src CandleSource
	log *zap.Logger
}

// New creates a Replayer over src.
func New(src CandleSource, log *zap.Logger) *Replayer {
	return &Replayer{src: src, log: log}
}

// Load returns every candle of keys at or after from, merged by open time.
// Bars sharing an open time keep the order of keys.
func (r *Replayer) Load(ctx context.Context, keys []model.InstrumentKey, from time.Time) ([]model.Bar, error) {
	var all []model.Bar
	for _, k := range keys {
		candles, err := r.src.ReadCandles(ctx, k, from)
		if err != nil {
			return nil, err
		}
		for _, c := range candles {
			all = append(all, model.Bar{Key: k, Candle: c})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Candle.OpenTime.Before(all[j].Candle.OpenTime)
	})
	return all, nil
}

// Run loads the bars and calls fn for each. speed scales the gaps between open
// times: 0 is as fast as possible, 1 real time. Single gaps are capped at maxGap.
func (r *Replayer) Run(ctx context.Context, keys []model.InstrumentKey, from time.Time, speed float64, fn func(model.Bar)) (int, error) {
	bars, err := r.Load(ctx, keys, from)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		r.log.Warn("no archived candles to replay")
		return 0, nil
	}
	r.log.Info("replay loaded", zap.Int("bars", len(bars)), zap.Int("instruments", len(keys)),
		zap.Float64("speed", speed))

	var prev time.Time
	emitted := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			r.log.Info("replay cancelled", zap.Int("emitted", emitted))
			return emitted, err
		}
		if speed > 0 && !prev.IsZero() {
			if gap := b.Candle.OpenTime.Sub(prev); gap > 0 {
				wait := time.Duration(float64(gap) / speed)
				if wait > maxGap {
					wait = maxGap
				}
				select {
				case <-ctx.Done():
					return emitted, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = b.Candle.OpenTime
		fn(b)
		emitted++
	}
	r.log.Info("replay completed", zap.Int("bars", emitted))
	return emitted, nil
}

const maxGap = 5 * time.Second
