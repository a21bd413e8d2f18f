// Package window keeps the capped, strictly time-ordered candle sequence of one strategy.
package window

import (
	"sort"

	"strategy-engine/internal/model"
)

// MergeResult describes what Merge did with an incoming candle.
type MergeResult int

const (
	Appended  MergeResult = iota // newer than the tail
	Replaced                     // same OpenTime as the tail, data changed
	Unchanged                    // identical to the tail
	Stale                        // older than the tail, or a non-final update of a final tail
)

func (r MergeResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Changed reports whether the window content moved.
func (r MergeResult) Changed() bool {
	return r == Appended || r == Replaced
}

// Window is a capped candle sequence, strictly increasing by OpenTime.
// Not goroutine-safe: owned by a single strategy runtime.
type Window struct {
	bars []model.Candle
	max  int
}

// New creates an empty window holding at most max candles (max <= 0 means unbounded).
func New(max int) *Window {
	return &Window{max: max}
}

// Merge folds c into the window: replace in place when it shares the tail's OpenTime,
// append when newer, ignore when older. The window is truncated to its cap afterwards.
func (w *Window) Merge(c model.Candle) MergeResult {
	n := len(w.bars)
	if n == 0 || c.OpenTime.After(w.bars[n-1].OpenTime) {
		w.bars = append(w.bars, c)
		w.truncate()
		return Appended
	}

	tail := w.bars[n-1]
	if !c.OpenTime.Equal(tail.OpenTime) {
		return Stale
	}
	if tail.Same(c) {
		return Unchanged
	}
	if tail.IsFinal && !c.IsFinal {
		// Finalized bars are immutable; a late partial update must not roll them back.
		return Stale
	}
	w.bars[n-1] = c
	return Replaced
}

// Seed merges backfilled candles with whatever the window already holds.
// On equal OpenTime a final candle wins over a non-final one, otherwise the held candle wins.
func (w *Window) Seed(candles []model.Candle) {
	merged := make(map[int64]model.Candle, len(candles)+len(w.bars))
	for _, c := range candles {
		merged[c.OpenTime.UnixNano()] = c
	}
	for _, c := range w.bars {
		k := c.OpenTime.UnixNano()
		if prev, ok := merged[k]; ok && prev.IsFinal && !c.IsFinal {
			continue
		}
		merged[k] = c
	}

	bars := make([]model.Candle, 0, len(merged))
	for _, c := range merged {
		bars = append(bars, c)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	w.bars = bars
	w.truncate()
}

// Bars returns a copy of the window, oldest first.
func (w *Window) Bars() []model.Candle {
	cp := make([]model.Candle, len(w.bars))
	copy(cp, w.bars)
	return cp
}

// View returns the internal slice. Callers must not retain or modify it.
func (w *Window) View() []model.Candle { return w.bars }

// Len returns the number of candles held.
func (w *Window) Len() int { return len(w.bars) }

// Last returns the newest candle.
func (w *Window) Last() (model.Candle, bool) {
	if len(w.bars) == 0 {
		return model.Candle{}, false
	}
	return w.bars[len(w.bars)-1], true
}

// Max returns the cap.
func (w *Window) Max() int { return w.max }

// SetMax changes the cap and truncates if needed.
func (w *Window) SetMax(max int) {
	w.max = max
	w.truncate()
}

// Reset empties the window.
func (w *Window) Reset() {
	w.bars = nil
}

func (w *Window) truncate() {
	if w.max <= 0 || len(w.bars) <= w.max {
		return
	}
	drop := len(w.bars) - w.max
	// Copy into a fresh backing array so dropped bars are released.
	kept := make([]model.Candle, w.max)
	copy(kept, w.bars[drop:])
	w.bars = kept
}
