// Package feed moves bars from the market data transports into the strategy
// engine and the candle archives, and seeds new windows from backfill sources.
package feed

import (
	"sync"

	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
)

// Applier is the engine surface the router needs.
type Applier interface {
	ApplyBar(key model.InstrumentKey, c model.Candle) []model.EmittedAction
}

// Router applies every received bar to the engine and copies it to the archives.
// Several sources may deliver the same bar; the engine treats repeats as no-ops.
type Router struct {
	eng    Applier
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	log    *zap.Logger

	mu       sync.RWMutex
	archives []chan<- model.Bar
}

func NewRouter(eng Applier, prom *metrics.Metrics, health *metrics.HealthStatus, log *zap.Logger) *Router {
	return &Router{eng: eng, prom: prom, health: health, log: log}
}

// AddArchive registers an archive channel. Sends are non-blocking; a full
// archive loses the bar, never the engine.
func (r *Router) AddArchive(ch chan<- model.Bar) {
	r.mu.Lock()
	r.archives = append(r.archives, ch)
	r.mu.Unlock()
}

// Handler returns the callback a source feeds decoded bars into.
func (r *Router) Handler(source string) func(model.Bar) {
	return func(b model.Bar) { r.Apply(source, b) }
}

// Apply routes one bar.
func (r *Router) Apply(source string, b model.Bar) {
	r.prom.ObserveFeed(source, nil)
	if r.health != nil {
		r.health.SetLastBarTime(b.Candle.OpenTime)
	}

	actions := r.eng.ApplyBar(b.Key, b.Candle)
	if len(actions) > 0 {
		r.log.Debug("bar emitted actions", zap.String("source", source),
			zap.String("key", b.Key.String()), zap.Int("actions", len(actions)))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.archives {
		select {
		case ch <- b:
		default:
			r.log.Warn("archive queue full, bar not archived", zap.String("key", b.Key.String()))
		}
	}
}

// Reject counts an undecodable message from source.
func (r *Router) Reject(source string, err error) {
	r.prom.ObserveFeed(source, err)
}
