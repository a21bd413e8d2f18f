package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

type mapSource map[model.InstrumentKey][]model.Candle

func (m mapSource) ReadCandles(_ context.Context, key model.InstrumentKey, from time.Time) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range m[key] {
		if !c.OpenTime.Before(from) {
			out = append(out, c)
		}
	}
	return out, nil
}

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(min int, close float64) model.Candle {
	return model.Candle{OpenTime: t0.Add(time.Duration(min) * time.Minute), Close: close, IsFinal: true}
}

func TestReplayer_MergesByTime(t *testing.T) {
	a := model.InstrumentKey{Symbol: "A", Timeframe: "1m"}
	b := model.InstrumentKey{Symbol: "B", Timeframe: "1m"}
	src := mapSource{
		a: {at(0, 1), at(2, 3)},
		b: {at(1, 20), at(2, 30)},
	}
	r := New(src, zap.NewNop())

	var got []string
	n, err := r.Run(context.Background(), []model.InstrumentKey{a, b}, time.Time{}, 0, func(bar model.Bar) {
		got = append(got, bar.Key.Symbol)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"A", "B", "A", "B"}, got)
}

func TestReplayer_From(t *testing.T) {
	a := model.InstrumentKey{Symbol: "A", Timeframe: "1m"}
	r := New(mapSource{a: {at(0, 1), at(1, 2), at(2, 3)}}, zap.NewNop())
	bars, err := r.Load(context.Background(), []model.InstrumentKey{a}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 2.0, bars[0].Candle.Close)
}

func TestReplayer_Cancelled(t *testing.T) {
	a := model.InstrumentKey{Symbol: "A", Timeframe: "1m"}
	r := New(mapSource{a: {at(0, 1), at(1, 2)}}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := r.Run(ctx, []model.InstrumentKey{a}, time.Time{}, 0, func(model.Bar) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
