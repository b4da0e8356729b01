package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisRetryDelay is the pause before reattaching a broken pub/sub
// stream.
const redisRetryDelay = 4 * time.Second

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

// NewRedis connects to a redis:// URL.
func NewRedis(url string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("broker: connect to redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr))
	return &RedisBus{client: client, ctx: ctx, cancel: cancel, log: logger}, nil
}

// Publish sends data to every subscriber of channel.
func (b *RedisBus) Publish(channel string, data []byte) error {
	return b.client.Publish(b.ctx, channel, data).Err()
}

// Subscribe registers h for channel. Delivery runs on a dedicated
// goroutine that rides out transient connection failures.
func (b *RedisBus) Subscribe(channel string, h Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(b.ctx, channel)
	if _, err := pubsub.Receive(b.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("broker: subscribe %s: %w", channel, err)
	}

	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(b.ctx)
			if err != nil {
				if b.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				b.log.Warn("redis receive failed, retrying",
					zap.String("channel", channel),
					zap.Error(err))
				time.Sleep(redisRetryDelay)
				continue
			}
			h([]byte(msg.Payload))
		}
	}()

	return &redisSub{pubsub: pubsub}, nil
}

// Close tears down every subscription and the connection.
func (b *RedisBus) Close() error {
	b.cancel()
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
}

// Unsubscribe closes the pub/sub stream, ending its delivery goroutine.
func (s *redisSub) Unsubscribe() error {
	return s.pubsub.Close()
}
