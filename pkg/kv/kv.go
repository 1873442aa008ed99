// pkg/kv/kv.go
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys. An expired
// record is indistinguishable from an absent one.
var ErrNotFound = errors.New("kv: not found")

// Record is a stored value with its write version. Version increments on
// every successful write and anchors CompareAndSwap.
type Record struct {
	Value   []byte
	Version int64
}

// Store is the conditional-write key-value contract shared by the durable
// store and the cache tier. PutIfAbsent is the linearization point for
// idempotency reservations; Delete reports whether a live record was
// removed, which makes single-use reads (pending auth flows) race-safe.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}
