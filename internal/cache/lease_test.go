package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeasesSingleHolder(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, addr, 0)
	require.NoError(t, err)
	defer rdb.Close()

	prefix := "round_lease_test_" + uuid.NewString()
	a := NewLeases(rdb, prefix)
	b := NewLeases(rdb, prefix)
	key := models.RoundKey{Room: "main", GameType: "wingo-1m"}
	defer rdb.Del(ctx, a.key(key))

	ok, err := a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Owner(), rdb.Get(ctx, a.key(key)).Val())

	ok, err = b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	require.NoError(t, b.Release(ctx, key))
	assert.Equal(t, a.Owner(), rdb.Get(ctx, a.key(key)).Val(), "release by a non-holder is ignored")

	require.NoError(t, a.Release(ctx, key))
	ok, err = b.Acquire(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := a.Acquire(ctx, key, time.Minute)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond, "an expired lease is taken over")
}

func TestNewLeasesDefaults(t *testing.T) {
	l := NewLeases(nil, "")
	assert.Equal(t, "round_lease:main:wingo-1m", l.key(models.RoundKey{Room: "main", GameType: "wingo-1m"}))
	assert.NotEqual(t, l.Owner(), NewLeases(nil, "").Owner())
}
