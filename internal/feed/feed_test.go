package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
)

var btc = model.InstrumentKey{Symbol: "BTCUSDT", Timeframe: "1m"}

type fakeEngine struct {
	mu    sync.Mutex
	bars  []model.Bar
	seeds map[string][]model.Candle
	gens  map[string]uint64
}

func (f *fakeEngine) ApplyBar(key model.InstrumentKey, c model.Candle) []model.EmittedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, model.Bar{Key: key, Candle: c})
	return nil
}

func (f *fakeEngine) SeedWindow(id string, gen uint64, candles []model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seeds == nil {
		f.seeds = map[string][]model.Candle{}
		f.gens = map[string]uint64{}
	}
	f.seeds[id] = candles
	f.gens[id] = gen
	return nil
}

func candle(min int, close float64) model.Candle {
	return model.Candle{OpenTime: time.Date(2024, 3, 4, 10, min, 0, 0, time.UTC), Close: close, IsFinal: true}
}

// ── Router ──

func TestRouter_AppliesAndArchives(t *testing.T) {
	eng := &fakeEngine{}
	reg := prometheus.NewRegistry()
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus(false, false)
	r := NewRouter(eng, prom, health, zap.NewNop())

	archive := make(chan model.Bar, 1)
	r.AddArchive(archive)

	b := model.Bar{Key: btc, Candle: candle(0, 100)}
	r.Handler("redis")(b)
	r.Apply("nats", b) // archive full: dropped, engine still applied
	r.Reject("nats", errors.New("bad"))

	assert.Len(t, eng.bars, 2)
	assert.Equal(t, b, <-archive)
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.FeedMessages.WithLabelValues("redis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(prom.FeedMessages.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.FeedDecodeErrors.WithLabelValues("nats")))

	rep, _ := health.Report()
	assert.NotEmpty(t, rep.LastBarTime)
}

// ── NATS decoding ──

func TestDecodeNATSBar_WireFormat(t *testing.T) {
	data := []byte(`{"symbol":"btcusdt","timeframe":"1m","open_time":1709546400000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10,"final":true}`)
	b, err := decodeNATSBar("market.kline.1m.BTCUSDT", data)
	require.NoError(t, err)
	assert.Equal(t, btc, b.Key)
	assert.Equal(t, 1.5, b.Candle.Close)
	assert.True(t, b.Candle.IsFinal)
}

func TestDecodeNATSBar_KeyFromSubject(t *testing.T) {
	data := []byte(`{"open_time":"2024-03-04T10:00:00Z","open":1,"high":2,"low":0.5,"close":1.5}`)
	b, err := decodeNATSBar("market.kline.5m.ETHUSDT", data)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentKey{Symbol: "ETHUSDT", Timeframe: "5m"}, b.Key)
	assert.False(t, b.Candle.IsFinal)
}

func TestDecodeNATSBar_CompactKline(t *testing.T) {
	data := []byte(`{"symbol":"BTCUSDT","exchange":"binance","period":"1m","o":"100.5","h":"101","l":"99.75","c":"100.25","v":"3.5","t":"2024-03-04T10:00:00Z"}`)
	b, err := decodeNATSBar("market.kline.1m.BTCUSDT", data)
	require.NoError(t, err)
	assert.Equal(t, btc, b.Key)
	assert.Equal(t, 100.5, b.Candle.Open)
	assert.Equal(t, 99.75, b.Candle.Low)
	assert.Equal(t, 100.25, b.Candle.Close)
	assert.Equal(t, 3.5, b.Candle.Volume)
	assert.True(t, b.Candle.IsFinal)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), b.Candle.OpenTime)
}

func TestDecodeNATSBar_Rejects(t *testing.T) {
	for name, data := range map[string]string{
		"not json":      `nope`,
		"no time":       `{"symbol":"BTCUSDT","period":"1m","c":"1"}`,
		"bad time":      `{"symbol":"BTCUSDT","timeframe":"1m","open_time":"yesterday"}`,
		"no key at all": `{"c":"1","t":"2024-03-04T10:00:00Z"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeNATSBar("other.subject", []byte(data))
			assert.Error(t, err)
		})
	}
}

func TestSubjects(t *testing.T) {
	tf, sym := subjectKey("market.kline.15m.SOLUSDT")
	assert.Equal(t, "15m", tf)
	assert.Equal(t, "SOLUSDT", sym)
	tf, sym = subjectKey("market.raw.binance.SOLUSDT")
	assert.Empty(t, tf)
	assert.Empty(t, sym)
	assert.Equal(t, "market.kline.1m.BTCUSDT", Subject(btc))
}

// ── Backfill ──

type fakeSource struct {
	candles []model.Candle
	err     error
	calls   int
}

func (s *fakeSource) Backfill(_ context.Context, _ model.InstrumentKey, limit int) ([]model.Candle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.candles) > limit {
		return s.candles[len(s.candles)-limit:], nil
	}
	return s.candles, nil
}

func TestBackfill_FirstNonEmptySourceWins(t *testing.T) {
	failing := &fakeSource{err: errors.New("redis down")}
	empty := &fakeSource{}
	sqlite := &fakeSource{candles: []model.Candle{candle(0, 1), candle(1, 2), candle(2, 3)}}
	never := &fakeSource{candles: []model.Candle{candle(0, 9)}}

	eng := &fakeEngine{}
	b := NewBackfill(time.Second, nil, zap.NewNop(), failing, nil, empty, sqlite, never)
	b.Bind(eng)

	b.RequestBackfill("a", 3, btc, 2)
	b.Wait()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.seeds["a"], 2)
	assert.Equal(t, 3.0, eng.seeds["a"][1].Close)
	assert.Equal(t, uint64(3), eng.gens["a"])
	assert.Equal(t, 0, never.calls)
}

func TestBackfill_NothingFoundSeedsEmpty(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBackfill(time.Second, nil, zap.NewNop(), &fakeSource{})
	b.Bind(eng)

	b.RequestBackfill("a", 1, btc, 10)
	b.Wait()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	_, seeded := eng.seeds["a"]
	assert.True(t, seeded)
	assert.Empty(t, eng.seeds["a"])
}

func TestBackfill_UnboundAndClosed(t *testing.T) {
	b := NewBackfill(time.Second, nil, zap.NewNop())
	b.RequestBackfill("a", 1, btc, 10) // no engine: dropped

	eng := &fakeEngine{}
	b.Bind(eng)
	b.Close()
	b.RequestBackfill("a", 1, btc, 10)
	b.Wait()
	assert.Empty(t, eng.seeds)
}
