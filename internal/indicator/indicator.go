// Package indicator computes trend and momentum series over a candle window.
//
// Every series is recomputed from the first candle of the window on each update.
// Values before an indicator has enough history are Undefined, never zero.
package indicator

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Value is an indicator reading that may be undefined (insufficient history).
type Value struct {
	V     float64
	Valid bool
}

// Undefined is the sentinel for a value without enough history.
func Undefined() Value { return Value{} }

// Of wraps a defined value.
func Of(v float64) Value { return Value{V: v, Valid: true} }

// Sub returns a-b, undefined if either side is undefined.
func Sub(a, b Value) Value {
	if !a.Valid || !b.Valid {
		return Undefined()
	}
	return Of(a.V - b.V)
}

// String renders the value, "undefined" when not valid.
func (v Value) String() string {
	if !v.Valid {
		return "undefined"
	}
	return strconv.FormatFloat(v.V, 'f', -1, 64)
}

// MarshalJSON encodes undefined values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON decodes null as undefined.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Undefined()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Of(f)
	return nil
}
