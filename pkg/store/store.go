// Package store defines the shared coordination store contract: key/value
// storage with expiry, set membership, and publish/subscribe channels
// visible to every node. The core consumes this contract, it never
// implements coordination itself.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent. Callers use
// errors.Is to distinguish a true miss from an infrastructure failure.
var ErrNotFound = errors.New("store: key not found")

// Handler receives a single published payload. It must not block; slow
// consumers stall their subscription, nothing else.
type Handler func(channel string, payload []byte)

type Subscription interface {
	Close() error
}

type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) (Subscription, error)
}
