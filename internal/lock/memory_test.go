package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockExclusive(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "example.com", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "example.com", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "other.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different domains do not contend")

	require.NoError(t, release(ctx))
	_, ok, err = l.TryLock(ctx, "example.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockExpires(t *testing.T) {
	now := time.Now()
	l := NewMemory()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, _ := l.TryLock(ctx, "example.com", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "example.com", time.Second)
	require.True(t, ok, "expired lock can be taken over")

	// the stale holder must not free the new holder's lock
	require.NoError(t, stale(ctx))
	assert.True(t, l.Held("example.com"))
}

func TestMemoryLockSingleWinnerUnderContention(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(ctx, "busy.com", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
