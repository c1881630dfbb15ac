package upload

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRegistryExclusive(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	release, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)

	var counter int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release, err := registry.LockExclusive(ctx, "a")
		assert.NoError(t, err)
		atomic.AddInt64(&counter, 1)
		release()
	}()

	// The second writer must queue behind the first.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&counter))

	release()
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&counter))
}

func TestLockRegistrySharedHoldersCoexist(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	releaseA, err := registry.LockShared(ctx, "a")
	require.NoError(t, err)
	releaseB, err := registry.LockShared(ctx, "a")
	require.NoError(t, err)

	releaseA()
	releaseB()
}

func TestLockRegistrySharedBlocksBehindExclusive(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	release, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release, err := registry.LockShared(ctx, "a")
		assert.NoError(t, err)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive lock held")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("shared lock never acquired after exclusive release")
	}
}

func TestLockRegistryIndependentIDs(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	releaseA, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)

	// A different upload's lock must not contend.
	releaseB, err := registry.LockExclusive(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, registry.Len())

	releaseA()
	releaseB()
}

func TestLockRegistryDropsIdleEntries(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	// Probing arbitrary ids must not leave entries behind, or clients
	// naming unknown uploads would grow the map without bound.
	for i := 0; i < 1000; i++ {
		release, err := registry.LockShared(ctx, "unknown-"+strconv.Itoa(i))
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 0, registry.Len())

	// A waiter keeps the entry alive until the last reference drops.
	release, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release2, err := registry.LockExclusive(ctx, "a")
		assert.NoError(t, err)
		release2()
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())

	release()
	wg.Wait()
	assert.Equal(t, 0, registry.Len())
}

func TestLockRegistryCancelledWait(t *testing.T) {
	registry := NewLockRegistry()

	release, err := registry.LockExclusive(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = registry.LockExclusive(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter hands the lock back once it gets it; a fresh
	// caller must be able to acquire afterwards.
	release()

	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), time.Second)
	defer acquireCancel()
	release2, err := registry.LockExclusive(acquireCtx, "a")
	require.NoError(t, err)
	release2()
}

func TestLockRegistryReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	release, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)
	release()
	release()

	release2, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)
	release2()
}

func TestLockRegistryEvict(t *testing.T) {
	ctx := context.Background()
	registry := NewLockRegistry()

	release, err := registry.LockExclusive(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	registry.Evict("a")
	assert.Equal(t, 0, registry.Len())

	// The holder's release must still be safe after eviction.
	release()
}
