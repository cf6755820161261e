package notify

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/taxbracket/backend/internal/domain"
)

// DefaultKey prefixes the per-queue Redis lists wake-ups are pushed to.
const DefaultKey = "taxbracket:wakeup"

// maxPending bounds a wake-up list when no worker is listening.
const maxPending = 1000

// Redis wakes workers across processes through one Redis list per queue:
// Notify pushes and Wait pops with BRPOP, so a wake-up only reaches pollers
// of the queue it was meant for.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to the Redis server at addr.
func NewRedis(addr, password string, db int, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Redis{client: rdb, key: key}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) listKey(queue domain.QueueName) string {
	return r.key + ":" + string(queue)
}

// Notify pushes one wake-up for queue.
func (r *Redis) Notify(ctx context.Context, queue domain.QueueName) error {
	key := r.listKey(queue)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, string(queue))
	pipe.LTrim(ctx, key, 0, maxPending-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait pops one wake-up for queue, blocking for at most timeout (rounded up
// to a second).
func (r *Redis) Wait(ctx context.Context, queue domain.QueueName, timeout time.Duration) bool {
	if timeout < time.Second {
		timeout = time.Second
	}
	vals, err := r.client.BRPop(ctx, timeout, r.listKey(queue)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			// Redis unavailable: behave like a plain poll interval.
			select {
			case <-time.After(timeout):
			case <-ctx.Done():
			}
		}
		return false
	}
	return len(vals) == 2
}
