package waker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "apnode:wake:"

// Redis shares hints between processes through pub/sub.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{rdb, logger}
}

func (r *Redis) Notify(ctx context.Context, queue string) {
	err := r.rdb.Publish(ctx, redisChannelPrefix+queue, "1").Err()
	if err != nil {
		r.logger.Warn("failed to publish wake-up", zap.String("queue", queue), zap.Error(err))
	}
}

func (r *Redis) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	out := make(chan struct{}, 1)
	pubsub := r.rdb.Subscribe(ctx, redisChannelPrefix+queue)

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
