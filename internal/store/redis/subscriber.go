package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// BarPattern matches every bar channel.
const BarPattern = "pub:bar:*"

// BarHandler receives decoded bars. It must not block for long.
type BarHandler func(model.Bar)

// Subscriber feeds bars from Redis into a handler, either from Pub/Sub channels
// or from the bar streams through a consumer group.
type Subscriber struct {
	client   *goredis.Client
	group    string
	consumer string
	log      *zap.Logger

	// OnReject is called for every message that fails to decode. Optional.
	OnReject func(error)
}

// NewSubscriber creates a subscriber. group and consumer are only used by ConsumeStreams.
func NewSubscriber(client *goredis.Client, group, consumer string, log *zap.Logger) *Subscriber {
	if group == "" {
		group = "stratengine"
	}
	if consumer == "" {
		consumer = "worker-1"
	}
	return &Subscriber{client: client, group: group, consumer: consumer, log: log}
}

// SubscribeBars PSUBSCRIBEs to pattern and calls h for every decodable bar.
// Blocks until ctx is cancelled.
func (s *Subscriber) SubscribeBars(ctx context.Context, pattern string, h BarHandler) error {
	if pattern == "" {
		pattern = BarPattern
	}
	pubsub := s.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	s.log.Info("subscribed to bar channels", zap.String("pattern", pattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := model.DecodeBar([]byte(msg.Payload))
			if err != nil {
				s.reject(err)
				s.log.Debug("dropping bad bar message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			h(b)
		}
	}
}

func (s *Subscriber) reject(err error) {
	if s.OnReject != nil {
		s.OnReject(err)
	}
}

// EnsureConsumerGroup creates the consumer group on each stream if missing,
// starting from new entries only.
func (s *Subscriber) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// ConsumeStreams reads bars from streams with XREADGROUP and acknowledges each entry
// after h returns. Bad entries are acknowledged so they are not redelivered.
// Blocks until ctx is cancelled.
func (s *Subscriber) ConsumeStreams(ctx context.Context, streams []string, h BarHandler) error {
	if len(streams) == 0 {
		<-ctx.Done()
		return nil
	}
	if err := s.EnsureConsumerGroup(ctx, streams); err != nil {
		return err
	}

	// [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, st := range streams {
		args[i] = st
		args[len(streams)+i] = ">"
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		results, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			s.log.Warn("xreadgroup failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if data, ok := msg.Values["data"].(string); ok {
					if b, err := model.DecodeBar([]byte(data)); err == nil {
						h(b)
					} else {
						s.reject(err)
						s.log.Debug("dropping bad stream entry", zap.String("stream", stream.Stream), zap.Error(err))
					}
				}
				s.client.XAck(ctx, stream.Stream, s.group, msg.ID)
			}
		}
	}
}

// StreamsFor returns the bar stream keys for the given instruments.
func StreamsFor(keys []model.InstrumentKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, StreamKey(k.Timeframe, k.Symbol))
	}
	return out
}
