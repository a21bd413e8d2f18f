package model

import "time"

// Direction is the side of a strategy position.
type Direction string

const (
	Flat  Direction = "FLAT"
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Flat || d == Long || d == Short
}

// PositionState is the per-strategy position. Direction is FLAT iff RemainingQuantity is 0.
type PositionState struct {
	Direction         Direction       `json:"direction"`
	InitialQuantity   float64         `json:"initial_quantity"`
	RemainingQuantity float64         `json:"remaining_quantity"`
	EntryPrice        float64         `json:"entry_price"`
	HighestSinceEntry float64         `json:"highest_since_entry"`
	LowestSinceEntry  float64         `json:"lowest_since_entry"`
	OpenTime          time.Time       `json:"open_time"`
	TPLevelsHit       map[string]bool `json:"tp_levels_hit"`
	SLLevelsHit       map[string]bool `json:"sl_levels_hit"`
}

// FlatPosition returns the empty position.
func FlatPosition() PositionState {
	return PositionState{
		Direction:   Flat,
		TPLevelsHit: map[string]bool{},
		SLLevelsHit: map[string]bool{},
	}
}

// Clone returns a deep copy; the hit sets are never shared between copies.
func (p PositionState) Clone() PositionState {
	cp := p
	cp.TPLevelsHit = make(map[string]bool, len(p.TPLevelsHit))
	for k, v := range p.TPLevelsHit {
		cp.TPLevelsHit[k] = v
	}
	cp.SLLevelsHit = make(map[string]bool, len(p.SLLevelsHit))
	for k, v := range p.SLLevelsHit {
		cp.SLLevelsHit[k] = v
	}
	if cp.Direction == "" {
		cp.Direction = Flat
	}
	return cp
}

// IsFlat reports whether there is no open position.
func (p PositionState) IsFlat() bool {
	return p.Direction == Flat || p.Direction == ""
}

// TradeStats tracks the daily trade cap. LastTradeDate is a local calendar date "2006-01-02".
type TradeStats struct {
	DailyTradeCount int    `json:"daily_trade_count"`
	LastTradeDate   string `json:"last_trade_date"`
}

// DateLayout is the calendar date format stored in TradeStats.LastTradeDate.
const DateLayout = "2006-01-02"
