package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// Redis publishes events on a Redis pub/sub channel
type Redis struct {
	client  redisClient
	channel string
}

// NewRedis connects to a redis:// URL (empty means localhost)
func NewRedis(url, channel string) (*Redis, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: &redisClientAdapter{redis.NewClient(opts)}, channel: channel}, nil
}

func (b *Redis) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

func (b *Redis) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, fmt.Errorf("redis bus is nil")
	}
	ps := b.client.Subscribe(ctx, b.channel)
	if ps == nil {
		return nil, nil, fmt.Errorf("subscribe %s failed", b.channel)
	}
	raw := ps.Channel()
	out := make(chan Event, subscriberBuffer)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = ps.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				e, err := Parse([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}

func (b *Redis) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}
