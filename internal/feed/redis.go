package feed

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
	redisstore "strategy-engine/internal/store/redis"
)

// Redis feed modes.
const (
	ModePubSub = "pubsub"
	ModeStream = "stream"
)

// RedisSource feeds bars from Redis, either by PSUBSCRIBE on the bar channels or
// through a consumer group on the bar streams of the instruments in use.
type RedisSource struct {
	sub     *redisstore.Subscriber
	mode    string
	pattern string
	keys    func() []model.InstrumentKey
	refresh time.Duration
	router  *Router
	log     *zap.Logger
}

// NewRedisSource creates a source. keys lists the instruments to consume in
// stream mode and is polled every refresh.
func NewRedisSource(sub *redisstore.Subscriber, mode, pattern string, keys func() []model.InstrumentKey, router *Router, log *zap.Logger) *RedisSource {
	if mode == "" {
		mode = ModePubSub
	}
	sub.OnReject = func(err error) { router.Reject("redis", err) }
	return &RedisSource{
		sub:     sub,
		mode:    mode,
		pattern: pattern,
		keys:    keys,
		refresh: 30 * time.Second,
		router:  router,
		log:     log,
	}
}

// Run blocks until ctx is cancelled.
func (s *RedisSource) Run(ctx context.Context) error {
	if s.mode != ModeStream {
		return s.sub.SubscribeBars(ctx, s.pattern, s.router.Handler("redis"))
	}
	return s.runStreams(ctx)
}

// runStreams restarts the consumer whenever the set of instruments changes.
func (s *RedisSource) runStreams(ctx context.Context) error {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var (
		current []string
		cancel  context.CancelFunc = func() {}
		done    chan error
	)
	defer func() { cancel() }()

	for {
		streams := redisstore.StreamsFor(s.keys())
		sort.Strings(streams)
		if !equal(streams, current) {
			cancel()
			if done != nil {
				<-done
			}
			var cctx context.Context
			cctx, cancel = context.WithCancel(ctx)
			done = make(chan error, 1)
			go func(streams []string) {
				done <- s.sub.ConsumeStreams(cctx, streams, s.router.Handler("redis-stream"))
			}(streams)
			current = streams
			s.log.Info("redis stream consumer (re)started", zap.Int("streams", len(streams)))
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			if err != nil {
				s.log.Warn("redis stream consumer stopped", zap.Error(err))
			}
			done = nil
			current = nil
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		case <-ticker.C:
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
