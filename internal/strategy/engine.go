// Package strategy owns the strategy runtime registry.
//
// The Engine keeps one runtime per strategy id and routes every incoming bar to the
// runtimes subscribed to its instrument key. Each runtime is advanced under its own
// mutex: merge the bar, recompute indicators, evaluate the position, commit a View.
// Actions and snapshots are handed to their collaborators after the commit; those
// collaborators must never block.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
	"strategy-engine/internal/position"
)

// Dispatcher accepts emitted actions for asynchronous delivery.
type Dispatcher interface {
	Submit(action model.EmittedAction, endpoint string)
}

// Persister schedules snapshot writes.
type Persister interface {
	Schedule(id string, snap model.Snapshot)
	Forget(id string)
}

// Observer is told about every committed View and every removal.
type Observer interface {
	Publish(v *View)
	Removed(id string)
}

// BackfillRequester loads the initial window of a runtime and reports back through
// Engine.SeedWindow with the same generation.
type BackfillRequester interface {
	RequestBackfill(id string, gen uint64, key model.InstrumentKey, limit int)
}

// Option configures an Engine.
type Option func(*Engine)

func WithDispatcher(d Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }
func WithPersister(p Persister) Option   { return func(e *Engine) { e.persister = p } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithObserver adds an observer; several may be registered.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithBackfill makes new and reset runtimes wait for SeedWindow before evaluating.
// Without it they are ready immediately.
func WithBackfill(b BackfillRequester) Option { return func(e *Engine) { e.backfill = b } }

// Engine is the strategy runtime registry.
type Engine struct {
	mu       sync.RWMutex
	runtimes map[string]*runtime
	routes   map[model.InstrumentKey]map[string]*runtime

	dispatcher Dispatcher
	persister  Persister
	observers  []Observer
	backfill   BackfillRequester
	metrics    *metrics.Metrics
	now        func() time.Time
	log        *zap.Logger
}

// NewEngine creates an empty registry.
func NewEngine(log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		runtimes: make(map[string]*runtime),
		routes:   make(map[model.InstrumentKey]map[string]*runtime),
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ValidateConfig applies defaults and checks cfg the way Add does.
func ValidateConfig(cfg model.StrategyConfig) (model.StrategyConfig, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := position.CheckRules(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Add registers a fresh FLAT instance. An empty ID is assigned a UUID.
func (e *Engine) Add(cfg model.StrategyConfig) (*View, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt := newRuntime(cfg, nil, model.FlatPosition(), model.TradeStats{})
	if err := e.insert(rt); err != nil {
		return nil, err
	}
	v := e.start(rt)
	e.log.Info("strategy added", zap.String("id", cfg.ID), zap.String("key", cfg.Key().String()))
	return v, nil
}

// Restore registers an instance from a snapshot without evaluating anything.
// A snapshot whose config no longer validates is registered but never evaluates.
func (e *Engine) Restore(snap model.Snapshot) (*View, error) {
	cfg := snap.Config
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: snapshot without id", model.ErrInvalidConfig)
	}
	pos := snap.Position
	if pos.Direction == "" {
		pos.Direction = model.Flat
	}
	if !pos.Direction.Valid() {
		return nil, fmt.Errorf("%w: snapshot %s has direction %q", model.ErrInvalidConfig, cfg.ID, pos.Direction)
	}
	if pos.IsFlat() {
		pos = model.FlatPosition()
	}

	cfg, cfgErr := ValidateConfig(cfg)
	if cfgErr != nil {
		e.log.Warn("restored strategy has invalid config; it will not evaluate",
			zap.String("id", cfg.ID), zap.Error(cfgErr))
	}
	rt := newRuntime(cfg, cfgErr, pos, snap.Stats)
	if err := e.insert(rt); err != nil {
		return nil, err
	}
	v := e.start(rt)
	e.log.Info("strategy restored", zap.String("id", cfg.ID),
		zap.String("direction", string(pos.Direction)), zap.Float64("remaining", pos.RemainingQuantity))
	return v, nil
}

func (e *Engine) insert(rt *runtime) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runtimes[rt.id]; ok {
		return fmt.Errorf("strategy %s: %w", rt.id, model.ErrExists)
	}
	e.runtimes[rt.id] = rt
	e.route(rt, rt.cfg.Key())
	e.metrics.SetStrategies(len(e.runtimes))
	return nil
}

// route and unroute must be called with e.mu held. rt.routed is only touched here.
func (e *Engine) route(rt *runtime, key model.InstrumentKey) {
	set, ok := e.routes[key]
	if !ok {
		set = make(map[string]*runtime)
		e.routes[key] = set
	}
	set[rt.id] = rt
	rt.routed = key
}

func (e *Engine) unroute(rt *runtime) {
	key := rt.routed
	if set, ok := e.routes[key]; ok {
		delete(set, rt.id)
		if len(set) == 0 {
			delete(e.routes, key)
		}
	}
}

// start commits the first view, schedules a snapshot and requests backfill.
func (e *Engine) start(rt *runtime) *View {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ready = e.backfill == nil
	v := rt.commit(e.now(), nil)
	e.afterCommit(rt, v, true)
	e.requestBackfill(rt)
	return v
}

func (e *Engine) requestBackfill(rt *runtime) {
	if e.backfill == nil || rt.ready {
		return
	}
	e.backfill.RequestBackfill(rt.id, rt.gen, rt.cfg.Key(), rt.cfg.MaxBars)
}

// Remove unregisters an instance. It stops receiving bars immediately and its
// snapshot is deleted.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	rt, ok := e.runtimes[id]
	if ok {
		delete(e.runtimes, id)
		e.unroute(rt)
		e.metrics.SetStrategies(len(e.runtimes))
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
	}

	rt.mu.Lock()
	rt.removed = true
	rt.mu.Unlock()

	if e.persister != nil {
		e.persister.Forget(id)
	}
	for _, o := range e.observers {
		o.Removed(id)
	}
	e.log.Info("strategy removed", zap.String("id", id))
	return nil
}

func (e *Engine) get(id string) (*runtime, error) {
	e.mu.RLock()
	rt, ok := e.runtimes[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
	}
	return rt, nil
}

// UpdateConfig merges patch into the instance config. A symbol or timeframe change
// empties the window, zeroes the last price and starts a new backfill; it is refused
// with ErrPositionOpen while a position is open.
func (e *Engine) UpdateConfig(id string, patch model.ConfigPatch) (*View, error) {
	rt, err := e.get(id)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.removed {
		return nil, fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
	}

	next := patch.Apply(rt.cfg)
	next.ID = rt.cfg.ID
	next, err = ValidateConfig(next)
	if err != nil {
		return nil, err
	}

	prev := rt.cfg
	moved := next.Key() != prev.Key()
	if moved && !rt.pos.IsFlat() {
		return nil, fmt.Errorf("strategy %s: %w: %s position on %s",
			id, model.ErrPositionOpen, rt.pos.Direction, prev.Key())
	}
	if moved {
		e.mu.Lock()
		if e.runtimes[id] != rt {
			e.mu.Unlock()
			return nil, fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
		}
		e.unroute(rt)
		e.route(rt, next.Key())
		e.mu.Unlock()
	}

	rt.cfg = next
	rt.cfgErr = nil

	if moved {
		rt.resetWindow(e.backfill == nil)
		e.log.Info("strategy instrument changed",
			zap.String("id", id), zap.String("from", prev.Key().String()), zap.String("to", next.Key().String()))
	} else {
		if next.MaxBars != prev.MaxBars {
			rt.win.SetMax(next.MaxBars)
		}
		rt.recompute()
	}

	v := rt.commit(e.now(), nil)
	e.afterCommit(rt, v, true)
	e.requestBackfill(rt)
	return v, nil
}

// SeedWindow merges backfilled candles into the window and marks the instance ready.
// A seed for an outdated generation is ignored. Backfilled bars are never evaluated.
func (e *Engine) SeedWindow(id string, gen uint64, candles []model.Candle) error {
	rt, err := e.get(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.removed {
		return fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
	}
	if gen != rt.gen {
		e.log.Debug("stale backfill ignored", zap.String("id", id),
			zap.Uint64("gen", gen), zap.Uint64("current", rt.gen))
		return nil
	}

	rt.win.Seed(candles)
	rt.recompute()
	if last, ok := rt.win.Last(); ok {
		rt.lastPrice = last.Close
	}
	rt.ready = true

	v := rt.commit(e.now(), nil)
	e.afterCommit(rt, v, false)
	e.log.Info("strategy window seeded", zap.String("id", id),
		zap.Int("backfilled", len(candles)), zap.Int("window", rt.win.Len()))
	return nil
}

// ApplyBar routes c to every instance subscribed to key and returns the actions
// emitted by this bar, in instance id order.
func (e *Engine) ApplyBar(key model.InstrumentKey, c model.Candle) []model.EmittedAction {
	e.mu.RLock()
	set := e.routes[key]
	targets := make([]*runtime, 0, len(set))
	for _, rt := range set {
		targets = append(targets, rt)
	}
	e.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	var out []model.EmittedAction
	for _, rt := range targets {
		out = append(out, e.applyOne(rt, c)...)
	}
	return out
}

func (e *Engine) applyOne(rt *runtime, c model.Candle) []model.EmittedAction {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.removed {
		return nil
	}

	result := rt.win.Merge(c)
	e.metrics.ObserveBar(result.String())
	if !result.Changed() {
		return nil
	}

	start := time.Now()
	rt.lastPrice = c.Close
	rt.recompute()

	var res position.Result
	switch {
	case rt.cfgErr != nil, !rt.ready:
	case rt.cfg.EvaluateOnClose && !c.IsFinal:
	default:
		res = rt.evaluate(e.now())
	}
	e.metrics.ObserveEvaluate(time.Since(start))

	v := rt.commit(e.now(), res.Actions)
	e.afterCommit(rt, v, res.Changed)
	for _, a := range res.Actions {
		e.log.Info("action emitted",
			zap.String("id", rt.id),
			zap.String("action", string(a.Action)),
			zap.String("position", string(a.Position)),
			zap.String("level", a.LevelLabel),
			zap.Float64("price", a.ExecutionPrice),
			zap.Float64("quantity", a.ExecutionQuantity))
	}
	return res.Actions
}

// ManualOrder forces the instance to dir at the last known price.
func (e *Engine) ManualOrder(id string, dir model.Direction) ([]model.EmittedAction, error) {
	rt, err := e.get(id)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.removed {
		return nil, fmt.Errorf("strategy %s: %w", id, model.ErrNotFound)
	}
	if rt.cfgErr != nil {
		return nil, rt.cfgErr
	}

	var barTime time.Time
	if last, ok := rt.win.Last(); ok {
		barTime = last.OpenTime
	}
	now := e.now()
	res, err := position.Override(position.OverrideInput{
		Config:    rt.cfg,
		Position:  rt.pos,
		Stats:     rt.stats,
		Target:    dir,
		LastPrice: rt.lastPrice,
		BarTime:   barTime,
		Now:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", id, err)
	}
	rt.apply(res)

	v := rt.commit(now, res.Actions)
	e.afterCommit(rt, v, res.Changed)
	e.log.Info("manual order", zap.String("id", id), zap.String("target", string(dir)),
		zap.Int("actions", len(res.Actions)))
	return res.Actions, nil
}

// afterCommit hands the committed view to the observers, its actions to the dispatcher
// and, when persist is set, its snapshot to the persister. Callers hold rt.mu so that
// hand-off order matches commit order; every collaborator call is non-blocking.
func (e *Engine) afterCommit(rt *runtime, v *View, persist bool) {
	for _, o := range e.observers {
		o.Publish(v)
	}
	for _, a := range v.Actions {
		e.metrics.ObserveAction(string(a.Action))
		if e.dispatcher != nil {
			e.dispatcher.Submit(a, rt.cfg.Endpoint)
		}
	}
	if persist && e.persister != nil {
		e.persister.Schedule(rt.id, v.Snapshot())
	}
}

// Runtime returns the last committed view of id.
func (e *Engine) Runtime(id string) (*View, error) {
	rt, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return rt.view.Load(), nil
}

// Runtimes returns the committed views of all instances ordered by id.
func (e *Engine) Runtimes() []*View {
	e.mu.RLock()
	out := make([]*View, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		if v := rt.view.Load(); v != nil {
			out = append(out, v)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshots returns the persisted form of every instance.
func (e *Engine) Snapshots() map[string]model.Snapshot {
	views := e.Runtimes()
	out := make(map[string]model.Snapshot, len(views))
	for _, v := range views {
		out[v.ID] = v.Snapshot()
	}
	return out
}

// Keys returns the instrument keys with at least one subscribed instance.
func (e *Engine) Keys() []model.InstrumentKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.InstrumentKey, 0, len(e.routes))
	for k := range e.routes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of registered instances.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runtimes)
}
