package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements domain.Broker on top of Redis lists, keys and Lua scripts.
type RedisBroker struct {
	client *redis.Client

	// scripts caches one redis.Script per source so EVALSHA is used after the first call.
	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// Ensure RedisBroker satisfies the interface
var _ domain.Broker = (*RedisBroker)(nil)

// ParseOptions accepts either a redis:// URL or a bare host:port.
// Context deadlines bound socket reads and writes, so a caller's deadline holds
// even when the server stops answering.
func ParseOptions(conn string) (*redis.Options, error) {
	opts := &redis.Options{Addr: conn}
	if strings.Contains(conn, "://") {
		var err error
		if opts, err = redis.ParseURL(conn); err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
	}
	opts.ContextTimeoutEnabled = true
	return opts, nil
}

// NewRedisBroker returns a broker for the given connection string.
// Connecting is lazy; call Ping to fail fast.
func NewRedisBroker(conn string) (*RedisBroker, error) {
	opts, err := ParseOptions(conn)
	if err != nil {
		return nil, err
	}
	return NewRedisBrokerFromClient(redis.NewClient(opts)), nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client:  client,
		scripts: make(map[string]*redis.Script),
	}
}

// Close releases the connection pool.
func (r *RedisBroker) Close() error {
	return r.client.Close()
}

func (r *RedisBroker) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Push enqueues a payload with RPUSH; workers drain the head with BLPOP, so the list is FIFO.
func (r *RedisBroker) Push(ctx context.Context, list string, payload []byte) error {
	if err := r.client.RPush(ctx, list, payload).Err(); err != nil {
		return fmt.Errorf("redis push failed: %w", err)
	}
	return nil
}

// BlockingPop waits for one element with BLPOP.
func (r *RedisBroker) BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BLPop(ctx, timeout, list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Timeout, list empty
		}
		return nil, fmt.Errorf("redis pop failed: %w", err)
	}
	// BLPOP replies with [list, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (r *RedisBroker) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisBroker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBroker) Delete(ctx context.Context, keys ...string) error {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// RunAtomic evaluates a Lua script. Redis runs scripts without interleaving
// other commands, which is what makes the handshake race-free.
func (r *RedisBroker) RunAtomic(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := r.script(script).Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis script failed: %w", err)
	}
	return res, nil
}

func (r *RedisBroker) script(src string) *redis.Script {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scripts[src]
	if !ok {
		s = redis.NewScript(src)
		r.scripts[src] = s
	}
	return s
}

// Publish broadcasts a payload on a Pub/Sub channel.
func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to a channel and streams payloads to a Go channel.
func (r *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	outCh := make(chan []byte)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case outCh <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	slog.Debug("Subscribed to channel", "channel", channel)
	return outCh, nil
}
