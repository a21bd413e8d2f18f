// Package position implements the per-strategy position lifecycle.
//
// Evaluate and Override are pure: they take the current state by value and return the
// next state together with the actions the transition emits. The caller owns sequencing
// and is responsible for committing the result atomically.
package position

import (
	"math"
	"time"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
)

// dustRatio is the share of the initial quantity below which the remainder counts as closed.
const dustRatio = 1e-9

// Input is everything one evaluation reads.
type Input struct {
	Config   model.StrategyConfig
	Position model.PositionState
	Stats    model.TradeStats
	// Bars and Frames are index-aligned; the last element is the bar being evaluated.
	Bars   []model.Candle
	Frames []indicator.Frame
	// LastExitBar is the open time of the bar that last closed the position.
	LastExitBar time.Time
	Now         time.Time
}

// Result is the outcome of one evaluation.
type Result struct {
	Position model.PositionState
	Stats    model.TradeStats
	Actions  []model.EmittedAction
	// ClosedOn is the open time of the evaluated bar when it closed the position.
	ClosedOn time.Time
	// Changed is true when Position or Stats differ from the input.
	Changed bool
}

// Quantity returns amount/price, or 0 when price is not positive.
func Quantity(amount, price float64) float64 {
	if price <= 0 || amount <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0
	}
	return amount / price
}

// Today formats t as a local calendar date.
func Today(t time.Time) string {
	return t.Local().Format(model.DateLayout)
}

// RollDay resets the daily counter when now falls on a different date than the last trade.
func RollDay(s model.TradeStats, now time.Time) model.TradeStats {
	if s.LastTradeDate != Today(now) {
		s.DailyTradeCount = 0
	}
	return s
}

// Evaluate advances the position by one bar.
func Evaluate(in Input) Result {
	res := Result{
		Position: in.Position.Clone(),
		Stats:    RollDay(in.Stats, in.Now),
	}
	res.Changed = res.Stats != in.Stats

	n := len(in.Bars)
	if n == 0 || len(in.Frames) != n {
		return res
	}
	bar := in.Bars[n-1]
	cfg := in.Config

	if !res.Position.IsFlat() {
		if exit(&res, cfg, in.Bars, in.Frames, in.Now) {
			res.ClosedOn = bar.OpenTime
		}
		return res
	}

	if !in.LastExitBar.IsZero() && in.LastExitBar.Equal(bar.OpenTime) {
		return res
	}
	enter(&res, cfg, in.Bars, in.Frames, in.Now)
	return res
}

// enter opens a position when the entry rule selects exactly one side and the cap allows it.
func enter(res *Result, cfg model.StrategyConfig, bars []model.Candle, frames []indicator.Frame, now time.Time) {
	if res.Stats.DailyTradeCount >= cfg.MaxDailyTrades {
		return
	}
	long := matches(cfg.Entry.Long, bars, frames)
	short := matches(cfg.Entry.Short, bars, frames)
	if long == short {
		return
	}
	dir := model.Long
	if short {
		dir = model.Short
	}
	bar := bars[len(bars)-1]
	if a, ok := open(res, cfg, dir, bar.Close, bar.OpenTime, now, LabelEntry, false); ok {
		res.Actions = append(res.Actions, a)
	}
}

// open sets a fresh position and counts it against the daily cap.
// It refuses when the quantity would be zero.
func open(res *Result, cfg model.StrategyConfig, dir model.Direction, price float64,
	openTime, now time.Time, label string, manual bool) (model.EmittedAction, bool) {
	qty := Quantity(cfg.TradeAmount, price)
	if qty <= 0 {
		return model.EmittedAction{}, false
	}
	res.Position = model.PositionState{
		Direction:         dir,
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		EntryPrice:        price,
		HighestSinceEntry: price,
		LowestSinceEntry:  price,
		OpenTime:          openTime,
		TPLevelsHit:       map[string]bool{},
		SLLevelsHit:       map[string]bool{},
	}
	res.Stats.DailyTradeCount++
	res.Stats.LastTradeDate = Today(now)
	res.Changed = true
	return newAction(cfg, entryAction(dir), dir, price, qty, label, now, manual), true
}

// exit runs extremes tracking, level ladders, the exit rule and the trailing stop.
// It returns true when the position was closed.
func exit(res *Result, cfg model.StrategyConfig, bars []model.Candle, frames []indicator.Frame, now time.Time) bool {
	p := &res.Position
	bar := bars[len(bars)-1]
	price := bar.Close

	if bar.High > p.HighestSinceEntry {
		p.HighestSinceEntry = bar.High
		res.Changed = true
	}
	if bar.Low > 0 && bar.Low < p.LowestSinceEntry {
		p.LowestSinceEntry = bar.Low
		res.Changed = true
	}

	if ladder(res, cfg, cfg.TakeProfitLevels, p.TPLevelsHit, price, now, true) {
		return true
	}
	if ladder(res, cfg, cfg.StopLossLevels, p.SLLevelsHit, price, now, false) {
		return true
	}

	rule := cfg.Exit.Long
	if p.Direction == model.Short {
		rule = cfg.Exit.Short
	}
	if matches(rule, bars, frames) {
		closeAll(res, cfg, price, LabelExitSignal, now, false)
		return true
	}

	if trailingHit(*p, cfg.TrailingStopPct, price) {
		closeAll(res, cfg, price, LabelTrailingStop, now, false)
		return true
	}
	return false
}

// ladder fires every level in order whose threshold the close has crossed.
func ladder(res *Result, cfg model.StrategyConfig, levels []model.Level, hit map[string]bool,
	price float64, now time.Time, favorable bool) bool {
	p := &res.Position
	for _, lvl := range levels {
		if hit[lvl.ID] || !crossed(p.Direction, p.EntryPrice, price, lvl.Percent, favorable) {
			continue
		}
		hit[lvl.ID] = true
		res.Changed = true

		qty := math.Min(lvl.Fraction*p.InitialQuantity, p.RemainingQuantity)
		p.RemainingQuantity -= qty
		closed := p.RemainingQuantity <= dustRatio*p.InitialQuantity
		side := p.Direction
		after := side
		if closed {
			after = model.Flat
		}
		res.Actions = append(res.Actions, newAction(cfg, exitAction(side), after, price, qty, lvl.Label, now, false))
		if closed {
			*p = model.FlatPosition()
			return true
		}
	}
	return false
}

// crossed reports whether price has moved pct percent from entry, in the favorable or adverse
// direction for the given side.
func crossed(dir model.Direction, entry, price, pct float64, favorable bool) bool {
	if entry <= 0 || price <= 0 {
		return false
	}
	up := dir == model.Long
	if !favorable {
		up = !up
	}
	if up {
		return price >= entry*(1+pct/100)
	}
	return price <= entry*(1-pct/100)
}

func trailingHit(p model.PositionState, pct, price float64) bool {
	if pct <= 0 || price <= 0 {
		return false
	}
	switch p.Direction {
	case model.Long:
		return p.HighestSinceEntry > 0 && price <= p.HighestSinceEntry*(1-pct/100)
	case model.Short:
		return p.LowestSinceEntry > 0 && price >= p.LowestSinceEntry*(1+pct/100)
	}
	return false
}

// closeAll exits the whole remaining quantity and flattens the position.
func closeAll(res *Result, cfg model.StrategyConfig, price float64, label string, now time.Time, manual bool) {
	p := res.Position
	res.Actions = append(res.Actions,
		newAction(cfg, exitAction(p.Direction), model.Flat, price, p.RemainingQuantity, label, now, manual))
	res.Position = model.FlatPosition()
	res.Changed = true
}
