// Package replay tracks consumed proof nonces so a given nonce is accepted
// at most once within its TTL window. Backends trade persistence and
// distribution for simplicity; all of them make CheckAndInsert atomic —
// two callers racing on the same nonce get exactly one winner.
package replay

import (
	"context"
	"errors"
)

var (
	// ErrNonceReused means the nonce was already consumed inside its TTL
	// window — a replay.
	ErrNonceReused = errors.New("replay: nonce already used")

	// ErrCapacity means a bounded guard is full even after evicting
	// expired entries. Unbounded growth on an externally triggerable path
	// is a denial-of-service vector, so the guard rejects instead.
	ErrCapacity = errors.New("replay: guard at capacity")

	// ErrStorage wraps backend failures.
	ErrStorage = errors.New("replay: storage backend error")
)

// NonceSize matches the proof nonce width.
const NonceSize = 32

// Guard records consumed nonces.
type Guard interface {
	// CheckAndInsert atomically records the nonce, failing with
	// ErrNonceReused if it was already recorded within its TTL window.
	CheckAndInsert(ctx context.Context, nonce [NonceSize]byte, ttlSeconds uint64) error

	// CleanupExpired evicts entries whose TTL has elapsed and reports how
	// many were removed. Backends with native expiry may make this a no-op.
	CleanupExpired(ctx context.Context) (int, error)
}
