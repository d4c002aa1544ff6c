package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuardBlocksReplay(t *testing.T) {
	g := NewMemoryGuard()
	nonce := [NonceSize]byte{42}

	require.NoError(t, g.CheckAndInsert(context.Background(), nonce, 3600))
	assert.ErrorIs(t, g.CheckAndInsert(context.Background(), nonce, 3600), ErrNonceReused)
}

func TestMemoryGuardDistinctNonces(t *testing.T) {
	g := NewMemoryGuard()
	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{1}, 60))
	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{2}, 60))
	assert.Equal(t, 2, g.Len())
}

func TestMemoryGuardExpiredNonceAcceptedAgain(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewMemoryGuard().WithClock(func() time.Time { return now })
	nonce := [NonceSize]byte{7}

	require.NoError(t, g.CheckAndInsert(context.Background(), nonce, 60))

	// Inside the window: replay.
	now = now.Add(30 * time.Second)
	assert.ErrorIs(t, g.CheckAndInsert(context.Background(), nonce, 60), ErrNonceReused)

	// After the window: acceptable again.
	now = now.Add(60 * time.Second)
	assert.NoError(t, g.CheckAndInsert(context.Background(), nonce, 60))
}

func TestMemoryGuardCleanupExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewMemoryGuard().WithClock(func() time.Time { return now })

	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{1}, 10))
	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{2}, 1000))

	now = now.Add(60 * time.Second)
	removed, err := g.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, g.Len())
}

func TestMemoryGuardCapacity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewMemoryGuardWithCapacity(2).WithClock(func() time.Time { return now })

	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{1}, 10))
	require.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{2}, 1000))

	// Full, nothing expired: reject rather than grow.
	err := g.CheckAndInsert(context.Background(), [NonceSize]byte{3}, 60)
	assert.ErrorIs(t, err, ErrCapacity)

	// Once an entry expires, capacity pressure triggers eviction first.
	now = now.Add(30 * time.Second)
	assert.NoError(t, g.CheckAndInsert(context.Background(), [NonceSize]byte{3}, 60))
}

func TestMemoryGuardConcurrentSingleWinner(t *testing.T) {
	g := NewMemoryGuard()
	nonce := [NonceSize]byte{99}

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.CheckAndInsert(context.Background(), nonce, 3600)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrNonceReused)
		}
	}
	assert.Equal(t, 1, wins)
}
