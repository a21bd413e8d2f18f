package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
	"strategy-engine/internal/position"
	"strategy-engine/internal/window"
)

// runtime is the mutable state of one strategy instance. Every field below mu is
// guarded by it; view holds the last committed copy for lock-free readers.
type runtime struct {
	id   string
	view atomic.Pointer[View]

	// routed is the key the instance is registered under; guarded by Engine.mu.
	routed model.InstrumentKey

	mu          sync.Mutex
	cfg         model.StrategyConfig
	cfgErr      error
	win         *window.Window
	frames      []indicator.Frame
	pos         model.PositionState
	stats       model.TradeStats
	lastPrice   float64
	lastExitBar time.Time
	ready       bool
	gen         uint64
	removed     bool
}

func newRuntime(cfg model.StrategyConfig, cfgErr error, pos model.PositionState, stats model.TradeStats) *runtime {
	return &runtime{
		id:     cfg.ID,
		cfg:    cfg,
		cfgErr: cfgErr,
		win:    window.New(cfg.MaxBars),
		pos:    pos.Clone(),
		stats:  stats,
		gen:    1,
	}
}

// recompute rebuilds the indicator frames from the whole window.
func (r *runtime) recompute() {
	r.frames = indicator.Compute(r.win.Bars(), indicator.PeriodsOf(r.cfg))
}

// resetWindow drops all bars and starts a new backfill generation.
func (r *runtime) resetWindow(ready bool) {
	r.win = window.New(r.cfg.MaxBars)
	r.frames = nil
	r.lastPrice = 0
	r.lastExitBar = time.Time{}
	r.ready = ready
	r.gen++
}

// evaluate runs the state machine against the current window and applies the result.
func (r *runtime) evaluate(now time.Time) position.Result {
	res := position.Evaluate(position.Input{
		Config:      r.cfg,
		Position:    r.pos,
		Stats:       r.stats,
		Bars:        r.win.View(),
		Frames:      r.frames,
		LastExitBar: r.lastExitBar,
		Now:         now,
	})
	r.apply(res)
	return res
}

func (r *runtime) apply(res position.Result) {
	if !res.Changed {
		return
	}
	r.pos = res.Position
	r.stats = res.Stats
	if !res.ClosedOn.IsZero() {
		r.lastExitBar = res.ClosedOn
	}
}

// commit publishes a fresh View of the current state. Callers hold mu.
func (r *runtime) commit(now time.Time, actions []model.EmittedAction) *View {
	v := &View{
		ID:         r.id,
		Config:     r.cfg,
		Bars:       r.win.Bars(),
		Frames:     append([]indicator.Frame(nil), r.frames...),
		Position:   r.pos.Clone(),
		Stats:      r.stats,
		LastPrice:  r.lastPrice,
		Ready:      r.ready,
		Generation: r.gen,
		UpdatedAt:  now,
		Actions:    append([]model.EmittedAction(nil), actions...),
	}
	if r.cfgErr != nil {
		v.Error = r.cfgErr.Error()
	}
	r.view.Store(v)
	return v
}
