package indicator

import "strategy-engine/internal/model"

// Periods are the indicator periods of one strategy.
type Periods struct {
	EMAShort   int
	EMAMid     int
	EMALong    int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// PeriodsOf extracts the indicator periods from a strategy config.
func PeriodsOf(cfg model.StrategyConfig) Periods {
	return Periods{
		EMAShort:   cfg.EMAShort,
		EMAMid:     cfg.EMAMid,
		EMALong:    cfg.EMALong,
		MACDFast:   cfg.MACDFast,
		MACDSlow:   cfg.MACDSlow,
		MACDSignal: cfg.MACDSignal,
	}
}

// Frame holds the derived values for one candle of the window.
type Frame struct {
	EMAShort      Value `json:"ema_short"`
	EMAMid        Value `json:"ema_mid"`
	EMALong       Value `json:"ema_long"`
	MACDLine      Value `json:"macd_line"`
	MACDSignal    Value `json:"macd_signal"`
	MACDHistogram Value `json:"macd_histogram"`
}

// Compute returns one Frame per candle, recomputed from the start of the window.
//
// Because the series restart at the window's first candle, truncating the window moves
// the EMA seed point: values depend on the window size. This is intended.
func Compute(window []model.Candle, p Periods) []Frame {
	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}

	short := EMA(closes, p.EMAShort)
	mid := EMA(closes, p.EMAMid)
	long := EMA(closes, p.EMALong)
	line, signal, hist := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)

	frames := make([]Frame, len(window))
	for i := range frames {
		frames[i] = Frame{
			EMAShort:      short[i],
			EMAMid:        mid[i],
			EMALong:       long[i],
			MACDLine:      line[i],
			MACDSignal:    signal[i],
			MACDHistogram: hist[i],
		}
	}
	return frames
}
