package position

import (
	"time"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
)

var day = time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)

func testConfig() model.StrategyConfig {
	return model.StrategyConfig{
		ID:             "s1",
		Name:           "Test",
		Symbol:         "BTCUSDT",
		Timeframe:      "1m",
		TradeAmount:    1000,
		MaxDailyTrades: 5,
		Secret:         "shh",
		Entry: model.Rule{
			Long: []model.Condition{{Left: "close", Op: "gt", Right: "0"}},
		},
	}.WithDefaults()
}

func bar(i int, close float64) model.Candle {
	return model.Candle{
		OpenTime: day.Add(time.Duration(i) * time.Minute),
		Open:     close, High: close, Low: close, Close: close,
		IsFinal: true,
	}
}

func bars(closes ...float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = bar(i, c)
	}
	return out
}

func input(cfg model.StrategyConfig, pos model.PositionState, stats model.TradeStats, w []model.Candle, now time.Time) Input {
	return Input{
		Config:   cfg,
		Position: pos,
		Stats:    stats,
		Bars:     w,
		Frames:   indicator.Compute(w, indicator.PeriodsOf(cfg)),
		Now:      now,
	}
}

func longAt(entry, qty float64) model.PositionState {
	p := model.FlatPosition()
	p.Direction = model.Long
	p.EntryPrice = entry
	p.InitialQuantity = qty
	p.RemainingQuantity = qty
	p.HighestSinceEntry = entry
	p.LowestSinceEntry = entry
	return p
}
