package position

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
)

func TestHolds_Comparisons(t *testing.T) {
	w := bars(100)
	f := []indicator.Frame{{EMAShort: indicator.Of(99)}}

	assert.True(t, holds(model.Condition{Left: "close", Op: "gt", Right: "ema_short"}, w, f))
	assert.False(t, holds(model.Condition{Left: "close", Op: "lt", Right: "ema_short"}, w, f))
	assert.True(t, holds(model.Condition{Left: "close", Op: "gte", Right: "100"}, w, f))
	assert.True(t, holds(model.Condition{Left: "close", Op: "lte", Right: "100"}, w, f))
	assert.False(t, holds(model.Condition{Left: "close", Op: "gt", Right: "ema_mid"}, w, f))
	assert.False(t, holds(model.Condition{Left: "close", Op: "between", Right: "1"}, w, f))
}

func TestHolds_Crosses(t *testing.T) {
	w := bars(100, 101)
	f := []indicator.Frame{
		{EMAShort: indicator.Of(9), EMAMid: indicator.Of(10)},
		{EMAShort: indicator.Of(11), EMAMid: indicator.Of(10)},
	}
	assert.True(t, holds(model.Condition{Left: "ema_short", Op: "cross_above", Right: "ema_mid"}, w, f))
	assert.False(t, holds(model.Condition{Left: "ema_short", Op: "cross_below", Right: "ema_mid"}, w, f))

	// No previous frame: never a cross.
	assert.False(t, holds(model.Condition{Left: "ema_short", Op: "cross_above", Right: "ema_mid"}, w[1:], f[1:]))

	// Previous value undefined.
	f[0].EMAShort = indicator.Undefined()
	assert.False(t, holds(model.Condition{Left: "ema_short", Op: "cross_above", Right: "ema_mid"}, w, f))
}

func TestMatches_EmptyNeverFires(t *testing.T) {
	assert.False(t, matches(nil, bars(1), []indicator.Frame{{}}))
}

func TestCheckRules(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, CheckRules(cfg))

	cfg.Exit.Short = []model.Condition{{Left: "rsi", Op: "gt", Right: "70"}}
	assert.ErrorIs(t, CheckRules(cfg), model.ErrInvalidConfig)
}
