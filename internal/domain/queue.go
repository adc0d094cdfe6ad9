package domain

import (
	"context"
	"time"
)

// Broker defines the primitives the handshake and the workers need from the shared broker.
// It decouples the application from the underlying store (Redis or anything with lists,
// keys and atomic scripts).
type Broker interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Push appends a payload to the named work list.
	Push(ctx context.Context, list string, payload []byte) error

	// BlockingPop waits up to timeout for a payload on the named list.
	// It returns (nil, nil) when the list stayed empty.
	BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)

	// Get returns (nil, nil) for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// RunAtomic executes a script over keys and args as one transaction.
	// A nil script result is returned as (nil, nil).
	RunAtomic(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// Publish broadcasts a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe streams payloads published on a channel until ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
