package redis

import (
	"context"

	goredis "github.com/go-redis/redis/v8"
)

// Publisher PUBLISHes payloads on Redis channels.
type Publisher struct {
	client *goredis.Client
}

func NewPublisher(client *goredis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends payload on channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}
