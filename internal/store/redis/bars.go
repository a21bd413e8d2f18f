package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// defaultStreamMaxLen keeps roughly a window and a half of the largest default
// window per instrument.
const defaultStreamMaxLen = 2000

// BarStream archives bars into per-instrument streams and serves backfill from them.
type BarStream struct {
	client  *goredis.Client
	maxLen  int64
	publish bool
	log     *zap.Logger
}

// NewBarStream creates a stream archive. When publish is set every archived bar is
// also PUBLISHed on its Pub/Sub channel.
func NewBarStream(client *goredis.Client, maxLen int64, publish bool, log *zap.Logger) *BarStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &BarStream{client: client, maxLen: maxLen, publish: publish, log: log}
}

// Run writes bars to their streams until ctx is cancelled or ch is closed.
// Non-final bars are only published, never appended.
func (s *BarStream) Run(ctx context.Context, ch <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			s.write(ctx, b)
		}
	}
}

func (s *BarStream) write(ctx context.Context, b model.Bar) {
	data := model.EncodeBar(b)
	pipe := s.client.Pipeline()
	if b.Candle.IsFinal {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: StreamKey(b.Key.Timeframe, b.Key.Symbol),
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
	}
	if s.publish {
		pipe.Publish(ctx, ChannelKey(b.Key.Timeframe, b.Key.Symbol), data)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("redis bar write failed", zap.String("key", b.Key.String()), zap.Error(err))
	}
}

// Backfill returns the newest limit final candles for key, oldest first.
func (s *BarStream) Backfill(ctx context.Context, key model.InstrumentKey, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = model.DefaultMaxBars
	}
	msgs, err := s.client.XRevRangeN(ctx, StreamKey(key.Timeframe, key.Symbol), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", key, err)
	}
	return candlesFromMessages(msgs, key, s.log), nil
}

// candlesFromMessages decodes newest-first stream messages into an oldest-first,
// strictly increasing candle slice. Bad entries and other instruments are skipped.
func candlesFromMessages(msgs []goredis.XMessage, key model.InstrumentKey, log *zap.Logger) []model.Candle {
	out := make([]model.Candle, 0, len(msgs))
	var last time.Time
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		b, err := model.DecodeBar([]byte(data))
		if err != nil {
			log.Debug("skipping bad stream entry", zap.String("id", msgs[i].ID), zap.Error(err))
			continue
		}
		if b.Key != key {
			continue
		}
		if len(out) > 0 && !b.Candle.OpenTime.After(last) {
			continue
		}
		out = append(out, b.Candle)
		last = b.Candle.OpenTime
	}
	return out
}
