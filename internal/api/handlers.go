package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"strategy-engine/internal/indicator"
	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

// TOTPHeader carries the one-time code guarding manual orders.
const TOTPHeader = "X-TOTP"

type handler struct {
	Deps
	now func() time.Time
}

// strategyResponse is a View with the secret redacted. Bars and frames are
// only included for single-strategy reads.
type strategyResponse struct {
	ID         string               `json:"id"`
	Config     model.StrategyConfig `json:"config"`
	Position   model.PositionState  `json:"position"`
	Stats      model.TradeStats     `json:"stats"`
	LastPrice  float64              `json:"last_price"`
	Ready      bool                 `json:"ready"`
	Generation uint64               `json:"generation"`
	Error      string               `json:"error,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
	BarCount   int                  `json:"bar_count"`
	Bars       []model.Candle       `json:"bars,omitempty"`
	Frames     []indicator.Frame    `json:"frames,omitempty"`
}

func toResponse(v *strategy.View, full bool) strategyResponse {
	cfg := v.Config
	if cfg.Secret != "" {
		cfg.Secret = "***"
	}
	r := strategyResponse{
		ID:         v.ID,
		Config:     cfg,
		Position:   v.Position,
		Stats:      v.Stats,
		LastPrice:  v.LastPrice,
		Ready:      v.Ready,
		Generation: v.Generation,
		Error:      v.Error,
		UpdatedAt:  v.UpdatedAt,
		BarCount:   len(v.Bars),
	}
	if full {
		r.Bars = v.Bars
		r.Frames = v.Frames
	}
	return r
}

// fail maps engine errors to status codes.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrExists), errors.Is(err, model.ErrNoPrice), errors.Is(err, model.ErrPositionOpen):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidConfig):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handler) list(c *gin.Context) {
	views := h.Engine.Runtimes()
	out := make([]strategyResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toResponse(v, false))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) get(c *gin.Context) {
	v, err := h.Engine.Runtime(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(v, true))
}

func (h *handler) add(c *gin.Context) {
	var cfg model.StrategyConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.Engine.Add(cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(v, false))
}

func (h *handler) update(c *gin.Context) {
	var patch model.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.Engine.UpdateConfig(c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(v, false))
}

func (h *handler) remove(c *gin.Context) {
	if err := h.Engine.Remove(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type orderRequest struct {
	Direction model.Direction `json:"direction" binding:"required"`
	TOTP      string          `json:"totp"`
}

func (h *handler) manualOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.TOTPSecret != "" {
		code := c.GetHeader(TOTPHeader)
		if code == "" {
			code = req.TOTP
		}
		if code == "" || !totp.Validate(code, h.TOTPSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing one-time code"})
			return
		}
	}

	actions, err := h.Engine.ManualOrder(c.Param("id"), req.Direction)
	if err != nil {
		h.fail(c, err)
		return
	}
	for i := range actions {
		actions[i].Secret = ""
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (h *handler) actions(c *gin.Context) {
	if h.Actions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "action journal disabled"})
		return
	}
	id := c.Param("id")
	if _, err := h.Engine.Runtime(id); err != nil {
		h.fail(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
		return
	}
	recs, err := h.Actions.Actions(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *handler) paper(c *gin.Context) {
	if h.Paper == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "paper trading disabled"})
		return
	}
	c.JSON(http.StatusOK, h.Paper.Summaries())
}

func (h *handler) missed(c *gin.Context) {
	if h.Replay == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "observer replay disabled"})
		return
	}
	channel := c.Query("channel")
	from, err1 := strconv.ParseInt(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.Query("to"), 10, 64)
	if channel == "" || err1 != nil || err2 != nil || from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel, from and to are required"})
		return
	}
	envs := h.Replay.ReplayRange(channel, from, to)
	out := make([]json.RawMessage, len(envs))
	for i, e := range envs {
		out[i] = e
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel, "messages": out})
}
