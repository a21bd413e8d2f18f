package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/model"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func bar(minute int, close float64, final bool) model.Candle {
	return model.Candle{
		OpenTime: t0.Add(time.Duration(minute) * time.Minute),
		Open:     close, High: close, Low: close, Close: close,
		IsFinal: final,
	}
}

func TestMerge_AppendAndReplace(t *testing.T) {
	w := New(10)

	assert.Equal(t, Appended, w.Merge(bar(0, 100, true)))
	assert.Equal(t, Appended, w.Merge(bar(1, 101, false)))
	assert.Equal(t, Replaced, w.Merge(bar(1, 102, false)))
	assert.Equal(t, Unchanged, w.Merge(bar(1, 102, false)))
	assert.Equal(t, Replaced, w.Merge(bar(1, 103, true)))

	require.Equal(t, 2, w.Len())
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 103.0, last.Close)
	assert.True(t, last.IsFinal)
}

func TestMerge_StaleUpdates(t *testing.T) {
	w := New(10)
	w.Merge(bar(0, 100, true))
	w.Merge(bar(1, 101, true))

	assert.Equal(t, Stale, w.Merge(bar(0, 99, true)), "older than tail")
	assert.Equal(t, Stale, w.Merge(bar(1, 90, false)), "partial update of a final bar")

	last, _ := w.Last()
	assert.Equal(t, 101.0, last.Close)
}

func TestMerge_TruncatesToMax(t *testing.T) {
	w := New(3)
	for i := 0; i < 5; i++ {
		w.Merge(bar(i, float64(100+i), true))
	}
	bars := w.Bars()
	require.Len(t, bars, 3)
	assert.Equal(t, 102.0, bars[0].Close)
	assert.Equal(t, 104.0, bars[2].Close)
}

func TestMerge_StrictlyIncreasing(t *testing.T) {
	w := New(0)
	for _, m := range []int{0, 1, 1, 3, 2, 3, 4} {
		w.Merge(bar(m, float64(m), false))
	}
	bars := w.Bars()
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i].OpenTime.After(bars[i-1].OpenTime), "index %d", i)
	}
}

func TestSeed_MergesBackfillWithLive(t *testing.T) {
	w := New(5)
	w.Merge(bar(3, 200, false)) // live bar arrived before backfill finished

	w.Seed([]model.Candle{bar(0, 100, true), bar(1, 101, true), bar(2, 102, true), bar(3, 103, true)})

	bars := w.Bars()
	require.Len(t, bars, 4)
	assert.Equal(t, 100.0, bars[0].Close)
	assert.Equal(t, 103.0, bars[3].Close, "final backfill bar wins over a partial live bar")
}

func TestSeed_LiveFinalWins(t *testing.T) {
	w := New(5)
	w.Merge(bar(1, 150, true))
	w.Seed([]model.Candle{bar(0, 100, true), bar(1, 101, true)})

	last, _ := w.Last()
	assert.Equal(t, 150.0, last.Close)
}

func TestSetMaxAndReset(t *testing.T) {
	w := New(10)
	for i := 0; i < 6; i++ {
		w.Merge(bar(i, float64(i), true))
	}
	w.SetMax(2)
	assert.Equal(t, 2, w.Len())

	w.Reset()
	assert.Equal(t, 0, w.Len())
	_, ok := w.Last()
	assert.False(t, ok)
}
