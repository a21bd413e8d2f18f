package model

import (
	"encoding/json"
	"time"
)

// Candle is one OHLCV bar for an instrument/timeframe.
// A bar with IsFinal=false may still be replaced by a later update that shares its OpenTime.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	IsFinal  bool      `json:"final"`
}

// Same reports whether c carries exactly the same data as o.
func (c Candle) Same(o Candle) bool {
	return c.OpenTime.Equal(o.OpenTime) &&
		c.Open == o.Open && c.High == o.High && c.Low == o.Low &&
		c.Close == o.Close && c.Volume == o.Volume && c.IsFinal == o.IsFinal
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// InstrumentKey identifies a bar stream: symbol + timeframe.
type InstrumentKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// String returns "timeframe:symbol", the form used in channel and stream names.
func (k InstrumentKey) String() string {
	return k.Timeframe + ":" + k.Symbol
}

// Bar is a candle tagged with the instrument it belongs to, as delivered by a feed.
type Bar struct {
	Key    InstrumentKey
	Candle Candle
}
