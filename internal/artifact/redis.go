package artifact

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is the durable, production Artifact Store implementation.
// SET/GET carry per-key TTL directly through Redis' own expiration;
// PUBLISH/SUBSCRIBE use Redis pub/sub, which gives the same "no delivery
// guarantee to absent subscribers" semantics the contract calls for.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisStore dials addr and verifies connectivity with a PING. Callers
// should fall back to NewMemoryStore if this returns an error — a
// PersistenceUnavailable condition degrades to a warning, not a fatal.
func NewRedisStore(ctx context.Context, addr string, log *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client, log: log}, nil
}

// Set stores value under key with the given TTL (0 means no expiration).
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("artifact store set failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves the value for key, or ErrNotFound.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		r.log.Warn("artifact store get failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return value, nil
}

// Publish fans payload out over Redis pub/sub.
func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel of messages published to channel until ctx
// is canceled, at which point the Redis subscription is closed.
func (r *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		redisCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					// Slow subscriber: drop rather than block the relay goroutine.
				}
			}
		}
	}()

	return out, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
