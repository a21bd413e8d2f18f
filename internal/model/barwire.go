package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// barMessage is the feed wire form of a bar. open_time is RFC3339 or unix milliseconds.
type barMessage struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  json.RawMessage `json:"open_time"`
	Open      float64         `json:"open"`
	High      float64         `json:"high"`
	Low       float64         `json:"low"`
	Close     float64         `json:"close"`
	Volume    float64         `json:"volume"`
	Final     bool            `json:"final"`
}

// DecodeBar parses one feed message.
func DecodeBar(data []byte) (Bar, error) {
	var m barMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Bar{}, fmt.Errorf("decode bar: %w", err)
	}
	if m.Symbol == "" || m.Timeframe == "" {
		return Bar{}, errors.New("decode bar: missing symbol or timeframe")
	}
	ts, err := parseOpenTime(m.OpenTime)
	if err != nil {
		return Bar{}, fmt.Errorf("decode bar: %w", err)
	}
	return Bar{
		Key: InstrumentKey{Symbol: strings.ToUpper(m.Symbol), Timeframe: m.Timeframe},
		Candle: Candle{
			OpenTime: ts,
			Open:     m.Open,
			High:     m.High,
			Low:      m.Low,
			Close:    m.Close,
			Volume:   m.Volume,
			IsFinal:  m.Final,
		},
	}, nil
}

func parseOpenTime(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, errors.New("missing open_time")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t, nil
		}
		s = str
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("open_time %q: not RFC3339 or unix ms", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// EncodeBar renders b in the feed wire form with an RFC3339 open_time.
func EncodeBar(b Bar) []byte {
	ts, _ := json.Marshal(b.Candle.OpenTime.UTC().Format(time.RFC3339Nano))
	out, _ := json.Marshal(barMessage{
		Symbol:    b.Key.Symbol,
		Timeframe: b.Key.Timeframe,
		OpenTime:  ts,
		Open:      b.Candle.Open,
		High:      b.Candle.High,
		Low:       b.Candle.Low,
		Close:     b.Candle.Close,
		Volume:    b.Candle.Volume,
		Final:     b.Candle.IsFinal,
	})
	return out
}
