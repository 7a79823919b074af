package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedLockHeldVisibleAcrossSessions(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	lockID := time.Now().UnixNano()

	lock, acquired, err := TryAcquireFeedLock(ctx, lockID)
	require.NoError(t, err)
	require.True(t, acquired)

	held, err := IsFeedLockHeld(ctx, lockID)
	require.NoError(t, err)
	require.True(t, held)

	// Second session must be turned away while the first holds the key.
	other, acquired, err := TryAcquireFeedLock(ctx, lockID)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Nil(t, other)

	lock.Release(ctx)
	held, err = IsFeedLockHeld(ctx, lockID)
	require.NoError(t, err)
	require.False(t, held)
}

func TestFeedLockHeldNegativeKey(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	// Negative key: both 32-bit halves in pg_locks carry their top bits set,
	// which the held check must reconstruct without sign extension.
	lockID := -time.Now().UnixNano()

	lock, acquired, err := TryAcquireFeedLock(ctx, lockID)
	require.NoError(t, err)
	require.True(t, acquired)
	defer lock.Release(ctx)

	held, err := IsFeedLockHeld(ctx, lockID)
	require.NoError(t, err)
	require.True(t, held)

	// The sibling key with the low word flipped must read as free.
	held, err = IsFeedLockHeld(ctx, lockID^0xFFFFFFFF)
	require.NoError(t, err)
	require.False(t, held)
}
