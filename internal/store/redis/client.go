// Package redis holds the hot-path Redis adapters: bar streams for backfill and
// archive, the Pub/Sub and consumer-group bar feeds, the snapshot hash and the
// observer publisher.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(cfg Config, log *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// StreamKey is the bar stream for one instrument: "bar:<timeframe>:<symbol>".
func StreamKey(timeframe, symbol string) string {
	return "bar:" + timeframe + ":" + symbol
}

// ChannelKey is the Pub/Sub channel for one instrument: "pub:bar:<timeframe>:<symbol>".
func ChannelKey(timeframe, symbol string) string {
	return "pub:bar:" + timeframe + ":" + symbol
}
