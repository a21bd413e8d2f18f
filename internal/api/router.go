// Package api is the HTTP control surface: strategy CRUD, manual orders, action
// history, observer websocket, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"strategy-engine/internal/execution"
	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

// Engine is the registry surface the API drives.
type Engine interface {
	Add(cfg model.StrategyConfig) (*strategy.View, error)
	Remove(id string) error
	UpdateConfig(id string, patch model.ConfigPatch) (*strategy.View, error)
	ManualOrder(id string, dir model.Direction) ([]model.EmittedAction, error)
	Runtime(id string) (*strategy.View, error)
	Runtimes() []*strategy.View
}

// ActionLog serves emitted action history.
type ActionLog interface {
	Actions(ctx context.Context, strategyID string, limit int) ([]execution.ActionRecord, error)
}

// PaperBook serves simulated results.
type PaperBook interface {
	Summaries() []execution.Summary
}

// Replayer serves missed observer envelopes.
type Replayer interface {
	ReplayRange(channel string, from, to int64) [][]byte
}

// Deps are the router collaborators. Only Engine is required.
type Deps struct {
	Engine     Engine
	Actions    ActionLog
	Paper      PaperBook
	Replay     Replayer
	WS         http.HandlerFunc
	Health     http.Handler
	TOTPSecret string
	Log        *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	h := &handler{Deps: d, now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if d.Health != nil {
		r.GET("/healthz", gin.WrapH(d.Health))
	}
	if d.WS != nil {
		r.GET("/ws", gin.WrapF(d.WS))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/strategies", h.list)
	v1.POST("/strategies", h.add)
	v1.GET("/strategies/:id", h.get)
	v1.PATCH("/strategies/:id", h.update)
	v1.DELETE("/strategies/:id", h.remove)
	v1.POST("/strategies/:id/orders", h.manualOrder)
	v1.GET("/strategies/:id/actions", h.actions)
	v1.GET("/paper", h.paper)
	v1.GET("/missed", h.missed)

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
