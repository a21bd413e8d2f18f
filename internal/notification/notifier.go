// Package notification delivers emitted actions to external destinations.
//
// Delivery is best effort: the Dispatcher queues actions without blocking the caller,
// hands each one to every sink, logs failures and never retries.
package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
)

type delivery struct {
	action   model.EmittedAction
	endpoint string
}

// Dispatcher fans queued actions out to its sinks.
type Dispatcher struct {
	queue   chan delivery
	sinks   []model.ActionSink
	timeout time.Duration
	workers int
	metrics *metrics.Metrics
	log     *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with a bounded queue. timeout caps each sink call.
func NewDispatcher(queueSize, workers int, timeout time.Duration, m *metrics.Metrics, log *zap.Logger, sinks ...model.ActionSink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan delivery, queueSize),
		sinks:   sinks,
		timeout: timeout,
		workers: workers,
		metrics: m,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Submit enqueues an action. It never blocks; a full queue drops the action.
func (d *Dispatcher) Submit(action model.EmittedAction, endpoint string) {
	select {
	case d.queue <- delivery{action: action, endpoint: endpoint}:
		if d.metrics != nil {
			d.metrics.DispatchQueueLen.Set(float64(len(d.queue)))
		}
	default:
		if d.metrics != nil {
			d.metrics.DispatchDropped.Inc()
		}
		d.log.Warn("dispatch queue full, action dropped",
			zap.String("strategy", action.StrategyID), zap.String("action_id", action.ID))
	}
}

// Run delivers queued actions until ctx is cancelled, then drains what is already
// queued using drainTimeout as the overall budget.
func (d *Dispatcher) Run(ctx context.Context, drainTimeout time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case dl := <-d.queue:
					d.deliver(context.Background(), dl)
				}
			}
		}()
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case dl := <-d.queue:
			d.deliver(drainCtx, dl)
		default:
			d.closeOnce.Do(func() { close(d.done) })
			return
		}
	}
}

// Done is closed once Run has drained the queue.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(parent context.Context, dl delivery) {
	if d.metrics != nil {
		d.metrics.DispatchQueueLen.Set(float64(len(d.queue)))
	}
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(parent, d.timeout)
		err := s.Deliver(ctx, dl.action, dl.endpoint)
		cancel()
		d.metrics.ObserveDispatch(s.Name(), err)
		if err != nil {
			d.log.Warn("action delivery failed",
				zap.String("sink", s.Name()),
				zap.String("strategy", dl.action.StrategyID),
				zap.String("action_id", dl.action.ID),
				zap.Error(err))
		}
	}
}

// LogSink writes every action to the log (useful for development).
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a log-based sink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, a model.EmittedAction, endpoint string) error {
	s.log.Info("action",
		zap.String("strategy", a.StrategyID),
		zap.String("action", string(a.Action)),
		zap.String("position", string(a.Position)),
		zap.String("symbol", a.Symbol),
		zap.String("level", a.LevelLabel),
		zap.Float64("price", a.ExecutionPrice),
		zap.Float64("quantity", a.ExecutionQuantity),
		zap.Bool("manual", a.Manual))
	return nil
}
