package replay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-memory guard.
const DefaultMaxEntries = 100_000

type memoryRecord struct {
	firstSeen uint64
	ttl       uint64
}

// MemoryGuard is a bounded in-memory nonce store. Nonces do not survive a
// process restart; deployments needing that use the SQLite or Redis guard.
type MemoryGuard struct {
	mu         sync.Mutex
	nonces     map[[NonceSize]byte]memoryRecord
	maxEntries int
	clock      func() time.Time
}

// NewMemoryGuard creates a guard bounded at DefaultMaxEntries.
func NewMemoryGuard() *MemoryGuard {
	return NewMemoryGuardWithCapacity(DefaultMaxEntries)
}

// NewMemoryGuardWithCapacity creates a guard with an explicit bound.
func NewMemoryGuardWithCapacity(maxEntries int) *MemoryGuard {
	return &MemoryGuard{
		nonces:     make(map[[NonceSize]byte]memoryRecord),
		maxEntries: maxEntries,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *MemoryGuard) WithClock(clock func() time.Time) *MemoryGuard {
	g.clock = clock
	return g
}

// CheckAndInsert records the nonce under the guard's lock. A nonce whose
// previous record has expired may be accepted again; within the TTL window
// it is a replay. At capacity the guard first evicts expired entries and
// only then rejects.
func (g *MemoryGuard) CheckAndInsert(_ context.Context, nonce [NonceSize]byte, ttlSeconds uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(g.clock().Unix())
	if rec, ok := g.nonces[nonce]; ok {
		if !expired(rec, now) {
			return ErrNonceReused
		}
		// Expired record: fall through and overwrite.
	} else if len(g.nonces) >= g.maxEntries {
		g.evictExpiredLocked(now)
		if len(g.nonces) >= g.maxEntries {
			return fmt.Errorf("%w: %d entries", ErrCapacity, len(g.nonces))
		}
	}

	g.nonces[nonce] = memoryRecord{firstSeen: now, ttl: ttlSeconds}
	return nil
}

// CleanupExpired evicts entries whose TTL has elapsed.
func (g *MemoryGuard) CleanupExpired(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evictExpiredLocked(uint64(g.clock().Unix())), nil
}

// Len reports the number of recorded nonces.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nonces)
}

func (g *MemoryGuard) evictExpiredLocked(now uint64) int {
	removed := 0
	for n, rec := range g.nonces {
		if expired(rec, now) {
			delete(g.nonces, n)
			removed++
		}
	}
	return removed
}

func expired(rec memoryRecord, now uint64) bool {
	return now > rec.firstSeen && now-rec.firstSeen > rec.ttl
}
