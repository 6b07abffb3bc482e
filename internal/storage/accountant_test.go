package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/metadata"
	"github.com/telefile/telefile/testutil"
)

func TestAccountant(t *testing.T) {
	ctx := context.Background()
	a := NewAccountant(testutil.NewStore(t), 100)

	ok, err := a.CanAllocate(ctx, "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.CanAllocate(ctx, "u1", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := a.Charge(ctx, "u1", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), used)

	stats, err := a.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, QuotaStats{UsedBytes: 40, LimitBytes: 100, AvailableBytes: 60, UsedPercent: 40}, stats)

	used, err = a.Release(ctx, "u1", 90)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used, "usage never goes negative")
}

func TestAccountantDefaultLimit(t *testing.T) {
	a := NewAccountant(testutil.NewStore(t), 0)
	u, err := a.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, metadata.DefaultStorageLimit, u.StorageLimit)
	assert.Equal(t, int64(0), u.StorageUsed)
}
