package store

import (
	"context"
	"time"
)

// Store is the narrow contract a lock needs from the underlying key-value
// store. Every mutation is conditioned on the caller's token, and each
// operation must be atomic with respect to concurrent callers on the same
// key, so the store stays the single arbiter of ownership.
type Store interface {
	// SetIfAbsent creates the record with the given TTL only when the key
	// does not exist yet, and reports whether this caller created it.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndExpire re-arms the TTL to the given duration only when the
	// stored value still equals token.
	CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndExtend adds the given duration on top of the remaining TTL
	// only when the stored value still equals token.
	CompareAndExtend(ctx context.Context, key, token string, add time.Duration) (bool, error)
	// CompareAndDelete removes the record only when the stored value still
	// equals token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// Get returns the current holder's token, or an empty string when the
	// key is absent.
	Get(ctx context.Context, key string) (string, error)
}
