package position

import (
	"fmt"
	"strconv"
	"strings"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
)

// operand resolves a condition operand against one candle and its frame.
func operand(name string, c model.Candle, f indicator.Frame) indicator.Value {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "close":
		return indicator.Of(c.Close)
	case "open":
		return indicator.Of(c.Open)
	case "high":
		return indicator.Of(c.High)
	case "low":
		return indicator.Of(c.Low)
	case "ema_short":
		return f.EMAShort
	case "ema_mid":
		return f.EMAMid
	case "ema_long":
		return f.EMALong
	case "macd", "macd_line":
		return f.MACDLine
	case "macd_signal":
		return f.MACDSignal
	case "macd_hist", "macd_histogram":
		return f.MACDHistogram
	}
	if v, err := strconv.ParseFloat(name, 64); err == nil {
		return indicator.Of(v)
	}
	return indicator.Undefined()
}

func knownOperand(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "close", "open", "high", "low", "ema_short", "ema_mid", "ema_long",
		"macd", "macd_line", "macd_signal", "macd_hist", "macd_histogram":
		return true
	}
	_, err := strconv.ParseFloat(name, 64)
	return err == nil
}

// CheckRules reports unknown operands in the entry and exit rules of cfg.
func CheckRules(cfg model.StrategyConfig) error {
	for _, set := range [][]model.Condition{cfg.Entry.Long, cfg.Entry.Short, cfg.Exit.Long, cfg.Exit.Short} {
		for _, c := range set {
			if !knownOperand(c.Left) {
				return fmt.Errorf("%w: unknown operand %q", model.ErrInvalidConfig, c.Left)
			}
			if !knownOperand(c.Right) {
				return fmt.Errorf("%w: unknown operand %q", model.ErrInvalidConfig, c.Right)
			}
		}
	}
	return nil
}

// holds evaluates one condition at the last index of the window.
// Any undefined operand makes the condition false.
func holds(cond model.Condition, bars []model.Candle, frames []indicator.Frame) bool {
	n := len(bars)
	if n == 0 || len(frames) != n {
		return false
	}
	l := operand(cond.Left, bars[n-1], frames[n-1])
	r := operand(cond.Right, bars[n-1], frames[n-1])
	if !l.Valid || !r.Valid {
		return false
	}

	switch cond.Op {
	case "gt":
		return l.V > r.V
	case "lt":
		return l.V < r.V
	case "gte":
		return l.V >= r.V
	case "lte":
		return l.V <= r.V
	case "cross_above", "cross_below":
		if n < 2 {
			return false
		}
		pl := operand(cond.Left, bars[n-2], frames[n-2])
		pr := operand(cond.Right, bars[n-2], frames[n-2])
		if !pl.Valid || !pr.Valid {
			return false
		}
		if cond.Op == "cross_above" {
			return pl.V <= pr.V && l.V > r.V
		}
		return pl.V >= pr.V && l.V < r.V
	default:
		return false
	}
}

// matches reports whether every condition holds. An empty list never matches.
func matches(conds []model.Condition, bars []model.Candle, frames []indicator.Frame) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !holds(c, bars, frames) {
			return false
		}
	}
	return true
}
