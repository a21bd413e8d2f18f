package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-engine/internal/execution"
	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

func init() { gin.SetMode(gin.TestMode) }

var btc = model.InstrumentKey{Symbol: "BTCUSDT", Timeframe: "1m"}

func testConfig(id string) model.StrategyConfig {
	return model.StrategyConfig{
		ID:             id,
		Symbol:         "btcusdt",
		Timeframe:      "1m",
		TradeAmount:    1000,
		MaxDailyTrades: 5,
		Secret:         "hunter2",
		Entry: model.Rule{
			Long: []model.Condition{{Left: "close", Op: "gt", Right: "1000000"}},
		},
	}
}

type fakeLog struct {
	id    string
	limit int
}

func (f *fakeLog) Actions(_ context.Context, id string, limit int) ([]execution.ActionRecord, error) {
	f.id, f.limit = id, limit
	return []execution.ActionRecord{}, nil
}

type fakeReplay struct{}

func (fakeReplay) ReplayRange(channel string, from, to int64) [][]byte {
	return [][]byte{[]byte(`{"seq":1}`), []byte(`{"seq":2}`)}
}

func setup(t *testing.T, secret string) (*gin.Engine, *strategy.Engine, *fakeLog) {
	t.Helper()
	eng := strategy.NewEngine(zap.NewNop())
	log := &fakeLog{}
	r := NewRouter(Deps{
		Engine:     eng,
		Actions:    log,
		Replay:     fakeReplay{},
		TOTPSecret: secret,
		Log:        zap.NewNop(),
	})
	return r, eng, log
}

func do(r http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPI_StrategyLifecycle(t *testing.T) {
	r, _, _ := setup(t, "")

	w := do(r, http.MethodPost, "/api/v1/strategies", testConfig("a"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")

	w = do(r, http.MethodPost, "/api/v1/strategies", testConfig("a"))
	assert.Equal(t, http.StatusConflict, w.Code)

	bad := testConfig("b")
	bad.TradeAmount = 0
	w = do(r, http.MethodPost, "/api/v1/strategies", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []strategyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "***", list[0].Config.Secret)

	name := "renamed"
	w = do(r, http.MethodPatch, "/api/v1/strategies/a", model.ConfigPatch{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/strategies/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got strategyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "renamed", got.Config.Name)

	w = do(r, http.MethodDelete, "/api/v1/strategies/a", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodGet, "/api/v1/strategies/a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_BadJSON(t *testing.T) {
	r, _, _ := setup(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/strategies", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ManualOrder(t *testing.T) {
	r, eng, _ := setup(t, "")
	_, err := eng.Add(testConfig("a"))
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/v1/strategies/a/orders", orderRequest{Direction: model.Long})
	assert.Equal(t, http.StatusConflict, w.Code, "no price yet")

	eng.ApplyBar(btc, model.Candle{OpenTime: time.Unix(60, 0).UTC(), Open: 100, High: 100, Low: 100, Close: 100, IsFinal: true})

	w = do(r, http.MethodPost, "/api/v1/strategies/a/orders", orderRequest{Direction: "SIDEWAYS"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodPost, "/api/v1/strategies/a/orders", orderRequest{Direction: model.Long})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")

	var resp struct {
		Actions []model.EmittedAction `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, model.ActionBuy, resp.Actions[0].Action)

	w = do(r, http.MethodPost, "/api/v1/strategies/missing/orders", orderRequest{Direction: model.Long})
	assert.Equal(t, http.StatusNotFound, w.Code)

	sym := "ethusdt"
	w = do(r, http.MethodPatch, "/api/v1/strategies/a", model.ConfigPatch{Symbol: &sym})
	assert.Equal(t, http.StatusConflict, w.Code, "instrument change with an open position")
}

func TestAPI_ManualOrderTOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "stratengine", AccountName: "ops"})
	require.NoError(t, err)
	r, eng, _ := setup(t, key.Secret())
	_, err = eng.Add(testConfig("a"))
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/v1/strategies/a/orders", orderRequest{Direction: model.Long})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/v1/strategies/a/orders",
		orderRequest{Direction: model.Long}, TOTPHeader, "000000x")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/api/v1/strategies/a/orders",
		orderRequest{Direction: model.Long, TOTP: code})
	// Authorized; fails later because no bar has been seen.
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_Actions(t *testing.T) {
	r, eng, log := setup(t, "")
	_, err := eng.Add(testConfig("a"))
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/v1/strategies/a/actions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", log.id)
	assert.Equal(t, 5, log.limit)

	w = do(r, http.MethodGet, "/api/v1/strategies/a/actions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodGet, "/api/v1/strategies/zzz/actions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Missed(t *testing.T) {
	r, _, _ := setup(t, "")
	w := do(r, http.MethodGet, "/api/v1/missed?channel=strategy:a&from=1&to=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)

	w = do(r, http.MethodGet, "/api/v1/missed?channel=strategy:a&from=3&to=2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_PaperDisabled(t *testing.T) {
	r, _, _ := setup(t, "")
	w := do(r, http.MethodGet, "/api/v1/paper", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
