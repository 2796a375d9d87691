package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/pkg/retrier"
)

const DefaultRedisChannel = "dca:order_events"

// RedisConfig points the publisher at a Redis server.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher publishes events on a Redis pub/sub channel for services
// that push to users (bots, mobile push, email).
type RedisPublisher struct {
	client  *redis.Client
	channel string
	retrier *retrier.Retrier
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}

	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithInitialInterval(100*time.Millisecond),
			retrier.WithMaxInterval(time.Second),
		),
	}, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

// Deliver publishes the JSON encoded event.
func (p *RedisPublisher) Deliver(ctx context.Context, event domain.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}

	return p.retrier.Do(ctx, func(ctx context.Context) error {
		return p.client.Publish(ctx, p.channel, payload).Err()
	})
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
