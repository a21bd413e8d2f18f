package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

func act(id, strategy string, typ model.ActionType, price, qty float64) model.EmittedAction {
	return model.EmittedAction{
		ID:                id,
		StrategyID:        strategy,
		StrategyName:      strategy,
		Action:            typ,
		Position:          model.PositionLong,
		Symbol:            "BTCUSDT",
		Timestamp:         time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		ExecutionPrice:    price,
		ExecutionQuantity: qty,
	}
}

func TestJournal_RecordAndQuery(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.Deliver(ctx, act("a1", "s1", model.ActionBuy, 100, 10), "http://x"))
	require.NoError(t, j.Deliver(ctx, act("a2", "s1", model.ActionSell, 105, 5), ""))
	require.NoError(t, j.Deliver(ctx, act("a3", "s2", model.ActionBuy, 50, 1), ""))
	// Same action id twice is recorded once.
	require.NoError(t, j.Deliver(ctx, act("a1", "s1", model.ActionBuy, 100, 10), ""))

	all, err := j.Actions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ActionID)

	s1, err := j.Actions(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, "sell", s1[0].Action)
	assert.Equal(t, 105.0, s1[0].Price)
}

func TestPaper_RealizedPnL(t *testing.T) {
	p := NewPaperExecutor(0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Deliver(ctx, act("1", "s1", model.ActionBuy, 100, 10), ""))
	require.NoError(t, p.Deliver(ctx, act("2", "s1", model.ActionSell, 110, 5), ""))
	require.NoError(t, p.Deliver(ctx, act("3", "s1", model.ActionSell, 90, 5), ""))

	// Short round trip on another strategy.
	require.NoError(t, p.Deliver(ctx, act("4", "s2", model.ActionSell, 50, 2), ""))
	require.NoError(t, p.Deliver(ctx, act("5", "s2", model.ActionBuyToCover, 40, 2), ""))

	sums := p.Summaries()
	require.Len(t, sums, 2)

	assert.Equal(t, "s1", sums[0].StrategyID)
	assert.True(t, sums[0].RealizedPnL.IsZero(), "got %s", sums[0].RealizedPnL)
	assert.True(t, sums[0].OpenQty.IsZero())
	assert.Equal(t, 3, sums[0].Fills)

	assert.Equal(t, "20", sums[1].RealizedPnL.String())
	assert.Len(t, p.GetFills(), 5)
}

func TestPaper_Slippage(t *testing.T) {
	p := NewPaperExecutor(10, zap.NewNop())
	require.NoError(t, p.Deliver(context.Background(), act("1", "s1", model.ActionBuy, 100, 1), ""))
	fills := p.GetFills()
	require.Len(t, fills, 1)
	assert.Equal(t, "100.1", fills[0].Price.String())

	assert.Error(t, p.Deliver(context.Background(), act("2", "s1", model.ActionBuy, 0, 1), ""))
}
