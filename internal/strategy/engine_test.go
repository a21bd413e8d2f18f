package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// ── fakes ──

type recordingDispatcher struct {
	mu        sync.Mutex
	actions   []model.EmittedAction
	endpoints []string
}

func (d *recordingDispatcher) Submit(a model.EmittedAction, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
	d.endpoints = append(d.endpoints, endpoint)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

type recordingPersister struct {
	mu        sync.Mutex
	snapshots map[string]model.Snapshot
	forgotten []string
}

func (p *recordingPersister) Schedule(id string, snap model.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshots == nil {
		p.snapshots = map[string]model.Snapshot{}
	}
	p.snapshots[id] = snap
}

func (p *recordingPersister) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snapshots, id)
	p.forgotten = append(p.forgotten, id)
}

type backfillRequest struct {
	id  string
	gen uint64
	key model.InstrumentKey
}

type recordingBackfill struct {
	mu       sync.Mutex
	requests []backfillRequest
}

func (b *recordingBackfill) RequestBackfill(id string, gen uint64, key model.InstrumentKey, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, backfillRequest{id, gen, key})
}

type recordingObserver struct {
	mu      sync.Mutex
	views   []*View
	removed []string
}

func (o *recordingObserver) Publish(v *View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views = append(o.views, v)
}

func (o *recordingObserver) Removed(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

// ── helpers ──

var clock = time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)

func fixedClock() time.Time { return clock }

var btc = model.InstrumentKey{Symbol: "BTCUSDT", Timeframe: "1m"}

func config(id string) model.StrategyConfig {
	return model.StrategyConfig{
		ID:             id,
		Symbol:         "btcusdt",
		Timeframe:      "1m",
		TradeAmount:    1000,
		MaxDailyTrades: 10,
		Endpoint:       "http://hooks.local/" + id,
		Entry: model.Rule{
			Long: []model.Condition{{Left: "close", Op: "gt", Right: "0"}},
		},
		TakeProfitLevels: []model.Level{{ID: "1", Percent: 5, Fraction: 0.5}},
	}
}

func candle(i int, close float64, final bool) model.Candle {
	return model.Candle{
		OpenTime: clock.Add(time.Duration(i) * time.Minute),
		Open:     close, High: close, Low: close, Close: close,
		IsFinal: final,
	}
}

func newTestEngine(opts ...Option) *Engine {
	return NewEngine(zap.NewNop(), append([]Option{WithClock(fixedClock)}, opts...)...)
}

// ── tests ──

func TestEngine_AddValidates(t *testing.T) {
	e := newTestEngine()

	v, err := e.Add(config("a"))
	require.NoError(t, err)
	assert.True(t, v.Ready)
	assert.Equal(t, "BTCUSDT", v.Config.Symbol)
	assert.Equal(t, model.Flat, v.Position.Direction)

	_, err = e.Add(config("a"))
	assert.ErrorIs(t, err, model.ErrExists)

	bad := config("b")
	bad.TradeAmount = 0
	_, err = e.Add(bad)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	bad = config("c")
	bad.Entry.Long = []model.Condition{{Left: "vwap", Op: "gt", Right: "0"}}
	_, err = e.Add(bad)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	noID := config("")
	v, err = e.Add(noID)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, 2, e.Len())
}

func TestEngine_ApplyBarEmitsOnce(t *testing.T) {
	d := &recordingDispatcher{}
	p := &recordingPersister{}
	e := newTestEngine(WithDispatcher(d), WithPersister(p))
	_, err := e.Add(config("a"))
	require.NoError(t, err)

	actions := e.ApplyBar(btc, candle(0, 100, true))
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionBuy, actions[0].Action)
	assert.InDelta(t, 10, actions[0].ExecutionQuantity, 1e-12)

	// The same bar again is a no-op on the window and emits nothing.
	assert.Empty(t, e.ApplyBar(btc, candle(0, 100, true)))

	require.Equal(t, 1, d.count())
	assert.Equal(t, "http://hooks.local/a", d.endpoints[0])
	assert.Equal(t, model.Long, p.snapshots["a"].Position.Direction)

	v, err := e.Runtime("a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, v.LastPrice)
	assert.Len(t, v.Bars, 1)
	assert.Len(t, v.Frames, 1)
	assert.Equal(t, 1, v.Stats.DailyTradeCount)
}

func TestEngine_RoutesByKey(t *testing.T) {
	e := newTestEngine()
	_, err := e.Add(config("a"))
	require.NoError(t, err)

	other := model.InstrumentKey{Symbol: "ETHUSDT", Timeframe: "1m"}
	assert.Empty(t, e.ApplyBar(other, candle(0, 100, true)))
	assert.Empty(t, e.ApplyBar(model.InstrumentKey{Symbol: "BTCUSDT", Timeframe: "5m"}, candle(0, 100, true)))

	v, _ := e.Runtime("a")
	assert.Empty(t, v.Bars)
	assert.Equal(t, []model.InstrumentKey{btc}, e.Keys())
}

func TestEngine_TakeProfitFiresOnceAcrossBars(t *testing.T) {
	e := newTestEngine()
	_, err := e.Add(config("a"))
	require.NoError(t, err)

	require.Len(t, e.ApplyBar(btc, candle(0, 100, true)), 1)

	var tp int
	for i, c := range []float64{105, 106, 107, 108} {
		tp += len(e.ApplyBar(btc, candle(i+1, c, true)))
	}
	assert.Equal(t, 1, tp)

	v, _ := e.Runtime("a")
	assert.Len(t, v.Position.TPLevelsHit, 1)
	assert.InDelta(t, 5, v.Position.RemainingQuantity, 1e-12)
}

func TestEngine_EvaluateOnClose(t *testing.T) {
	e := newTestEngine()
	cfg := config("a")
	cfg.EvaluateOnClose = true
	_, err := e.Add(cfg)
	require.NoError(t, err)

	assert.Empty(t, e.ApplyBar(btc, candle(0, 100, false)))
	assert.Empty(t, e.ApplyBar(btc, candle(0, 101, false)))
	assert.Len(t, e.ApplyBar(btc, candle(0, 101, true)), 1)

	// A late partial update for the finalized bar is ignored.
	assert.Empty(t, e.ApplyBar(btc, candle(0, 90, false)))
	v, _ := e.Runtime("a")
	assert.Equal(t, 101.0, v.LastPrice)
}

func TestEngine_BackfillGatesEvaluation(t *testing.T) {
	b := &recordingBackfill{}
	e := newTestEngine(WithBackfill(b))
	_, err := e.Add(config("a"))
	require.NoError(t, err)

	require.Len(t, b.requests, 1)
	assert.Equal(t, uint64(1), b.requests[0].gen)
	assert.Equal(t, btc, b.requests[0].key)

	// Live bar before backfill completes: merged, never evaluated.
	assert.Empty(t, e.ApplyBar(btc, candle(5, 100, true)))
	v, _ := e.Runtime("a")
	assert.False(t, v.Ready)
	assert.Len(t, v.Bars, 1)

	history := []model.Candle{candle(2, 90, true), candle(3, 91, true), candle(4, 92, true)}
	require.NoError(t, e.SeedWindow("a", 1, history))

	v, _ = e.Runtime("a")
	assert.True(t, v.Ready)
	assert.Len(t, v.Bars, 4)
	assert.Equal(t, 100.0, v.LastPrice)
	assert.True(t, v.Position.IsFlat(), "seeding must not evaluate")

	assert.Len(t, e.ApplyBar(btc, candle(6, 101, true)), 1)
}

func TestEngine_UpdateConfigResetsOnInstrumentChange(t *testing.T) {
	b := &recordingBackfill{}
	e := newTestEngine(WithBackfill(b))
	_, err := e.Add(config("a"))
	require.NoError(t, err)
	require.NoError(t, e.SeedWindow("a", 1, []model.Candle{candle(0, 100, true)}))

	sym := "ethusdt"
	v, err := e.UpdateConfig("a", model.ConfigPatch{Symbol: &sym})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", v.Config.Symbol)
	assert.Empty(t, v.Bars)
	assert.Zero(t, v.LastPrice)
	assert.False(t, v.Ready)
	assert.Equal(t, uint64(2), v.Generation)
	require.Len(t, b.requests, 2)
	assert.Equal(t, uint64(2), b.requests[1].gen)

	// Old generation seed is dropped.
	require.NoError(t, e.SeedWindow("a", 1, []model.Candle{candle(1, 100, true)}))
	v, _ = e.Runtime("a")
	assert.False(t, v.Ready)

	// Old key no longer routes to the instance.
	e.ApplyBar(btc, candle(2, 100, true))
	v, _ = e.Runtime("a")
	assert.Empty(t, v.Bars)
}

func TestEngine_UpdateConfigKeepsWindow(t *testing.T) {
	e := newTestEngine()
	_, err := e.Add(config("a"))
	require.NoError(t, err)
	e.ApplyBar(btc, candle(0, 100, true))

	amount := 2000.0
	v, err := e.UpdateConfig("a", model.ConfigPatch{TradeAmount: &amount})
	require.NoError(t, err)
	assert.Equal(t, 2000.0, v.Config.TradeAmount)
	assert.Len(t, v.Bars, 1)
	assert.Equal(t, model.Long, v.Position.Direction)

	zero := 0.0
	_, err = e.UpdateConfig("a", model.ConfigPatch{TradeAmount: &zero})
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = e.UpdateConfig("missing", model.ConfigPatch{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_Remove(t *testing.T) {
	p := &recordingPersister{}
	o := &recordingObserver{}
	e := newTestEngine(WithPersister(p), WithObserver(o))
	_, err := e.Add(config("a"))
	require.NoError(t, err)

	require.NoError(t, e.Remove("a"))
	assert.ErrorIs(t, e.Remove("a"), model.ErrNotFound)
	_, err = e.Runtime("a")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, e.ApplyBar(btc, candle(0, 100, true)))
	assert.Equal(t, []string{"a"}, p.forgotten)
	assert.Equal(t, []string{"a"}, o.removed)
	assert.Empty(t, e.Keys())
}

func TestEngine_ManualOrder(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(WithDispatcher(d))
	cfg := config("a")
	cfg.Entry = model.Rule{Long: []model.Condition{{Left: "close", Op: "gt", Right: "1000"}}}
	_, err := e.Add(cfg)
	require.NoError(t, err)

	_, err = e.ManualOrder("a", model.Long)
	assert.ErrorIs(t, err, model.ErrNoPrice)

	assert.Empty(t, e.ApplyBar(btc, candle(0, 50, true)))
	actions, err := e.ManualOrder("a", model.Short)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Manual)
	assert.Equal(t, model.ActionSell, actions[0].Action)

	actions, err = e.ManualOrder("a", model.Flat)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionBuyToCover, actions[0].Action)
	assert.Equal(t, 2, d.count())

	v, _ := e.Runtime("a")
	assert.True(t, v.Position.IsFlat())
	assert.Equal(t, 1, v.Stats.DailyTradeCount)

	_, err = e.ManualOrder("missing", model.Long)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_RestoreDoesNotReplay(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(WithDispatcher(d))

	pos := model.FlatPosition()
	pos.Direction = model.Long
	pos.EntryPrice = 100
	pos.InitialQuantity = 10
	pos.RemainingQuantity = 10
	pos.HighestSinceEntry = 100
	pos.LowestSinceEntry = 100
	snap := model.Snapshot{
		Config:   config("a"),
		Position: pos,
		Stats:    model.TradeStats{DailyTradeCount: 1, LastTradeDate: clock.Format(model.DateLayout)},
		Version:  model.SnapshotVersion,
	}

	v, err := e.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, model.Long, v.Position.Direction)
	assert.Zero(t, d.count())

	actions := e.ApplyBar(btc, candle(0, 106, true))
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionSell, actions[0].Action)
	assert.Equal(t, "TP 1", actions[0].LevelLabel)

	_, err = e.Restore(snap)
	assert.ErrorIs(t, err, model.ErrExists)
}

func TestEngine_RestoreInvalidConfigIsInert(t *testing.T) {
	e := newTestEngine()
	cfg := config("a")
	cfg.TradeAmount = -1
	v, err := e.Restore(model.Snapshot{Config: cfg})
	require.NoError(t, err)
	assert.NotEmpty(t, v.Error)

	assert.Empty(t, e.ApplyBar(btc, candle(0, 100, true)))
	_, err = e.ManualOrder("a", model.Long)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	bad := model.Snapshot{Config: config("b"), Position: model.PositionState{Direction: "SIDEWAYS"}}
	_, err = e.Restore(bad)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestEngine_ObserverSeesCommittedViews(t *testing.T) {
	o := &recordingObserver{}
	e := newTestEngine(WithObserver(o))
	_, err := e.Add(config("a"))
	require.NoError(t, err)
	e.ApplyBar(btc, candle(0, 100, true))

	require.Len(t, o.views, 2)
	first, second := o.views[0], o.views[1]
	assert.Equal(t, model.Flat, first.Position.Direction)
	assert.Empty(t, first.Bars)
	assert.Equal(t, model.Long, second.Position.Direction)
	assert.Len(t, second.Actions, 1)
}

// Overlapping feeds deliver the same bars concurrently; each event must be
// applied exactly once per instance.
func TestEngine_ConcurrentDuplicateDelivery(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(WithDispatcher(d))
	for _, id := range []string{"a", "b"} {
		_, err := e.Add(config(id))
		require.NoError(t, err)
	}

	bars := []model.Candle{candle(0, 100, true), candle(1, 103, true), candle(2, 106, true), candle(3, 107, true)}
	const feeds = 8
	var wg sync.WaitGroup
	for f := 0; f < feeds; f++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, b := range bars {
				e.ApplyBar(btc, b)
			}
		}()
	}
	wg.Wait()

	// Per instance: one entry and one TP partial exit.
	assert.Equal(t, 4, d.count())
	for _, id := range []string{"a", "b"} {
		v, err := e.Runtime(id)
		require.NoError(t, err)
		assert.Equal(t, 1, v.Stats.DailyTradeCount)
		assert.Len(t, v.Position.TPLevelsHit, 1)
		assert.Len(t, v.Bars, 4)
	}
}

func TestEngine_InstrumentChangeRefusedWhileOpen(t *testing.T) {
	e := newTestEngine()
	_, err := e.Add(config("a"))
	require.NoError(t, err)
	require.Len(t, e.ApplyBar(btc, candle(0, 100, true)), 1)

	sym := "ethusdt"
	_, err = e.UpdateConfig("a", model.ConfigPatch{Symbol: &sym})
	assert.ErrorIs(t, err, model.ErrPositionOpen)

	v, _ := e.Runtime("a")
	assert.Equal(t, "BTCUSDT", v.Config.Symbol)
	assert.Equal(t, model.Long, v.Position.Direction)
	assert.Equal(t, []model.InstrumentKey{btc}, e.Keys())

	_, err = e.ManualOrder("a", model.Flat)
	require.NoError(t, err)
	v, err = e.UpdateConfig("a", model.ConfigPatch{Symbol: &sym})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", v.Config.Symbol)
	assert.Equal(t, []model.InstrumentKey{{Symbol: "ETHUSDT", Timeframe: "1m"}}, e.Keys())
}

func TestEngine_UpdateConfigConcurrentWithRemove(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := newTestEngine()
		_, err := e.Add(config("a"))
		require.NoError(t, err)

		sym := "ethusdt"
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.UpdateConfig("a", model.ConfigPatch{Symbol: &sym})
			if err != nil {
				assert.ErrorIs(t, err, model.ErrNotFound)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Remove("a"))
		}()
		wg.Wait()

		assert.Zero(t, e.Len())
		assert.Empty(t, e.Keys(), "removed instance still routed")
	}
}

func TestEngine_ReturnedActionsAreCopies(t *testing.T) {
	e := newTestEngine()
	cfg := config("a")
	cfg.Secret = "s3cret"
	_, err := e.Add(cfg)
	require.NoError(t, err)

	acts := e.ApplyBar(btc, candle(0, 100, true))
	require.Len(t, acts, 1)
	acts[0].Secret = ""
	v, _ := e.Runtime("a")
	require.Len(t, v.Actions, 1)
	assert.Equal(t, "s3cret", v.Actions[0].Secret)

	acts, err = e.ManualOrder("a", model.Short)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for i := range acts {
		acts[i].Secret = ""
	}
	v, _ = e.Runtime("a")
	require.Len(t, v.Actions, 2)
	assert.Equal(t, "s3cret", v.Actions[0].Secret)
	assert.Equal(t, "s3cret", v.Actions[1].Secret)
}

func TestEngine_ManualCloseOfRestoredPosition(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(WithDispatcher(d))

	pos := model.FlatPosition()
	pos.Direction = model.Long
	pos.EntryPrice = 100
	pos.InitialQuantity = 10
	pos.RemainingQuantity = 10
	_, err := e.Restore(model.Snapshot{Config: config("a"), Position: pos, Version: model.SnapshotVersion})
	require.NoError(t, err)

	_, err = e.ManualOrder("a", model.Short)
	assert.ErrorIs(t, err, model.ErrNoPrice)

	acts, err := e.ManualOrder("a", model.Flat)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, model.ActionSell, acts[0].Action)
	assert.InDelta(t, 10, acts[0].ExecutionQuantity, 1e-12)
	assert.Equal(t, 1, d.count())

	v, _ := e.Runtime("a")
	assert.True(t, v.Position.IsFlat())
}
