package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(Wrap(rdb, zap.NewNop()), time.Minute), mr
}

func TestCache_MailboxRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	mb := &domain.Mailbox{
		ID:        "mb-1",
		Address:   "foo@tempmail.dev",
		OwnerID:   "owner",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	mb.Activate()
	require.NoError(t, cache.CacheMailbox(ctx, mb))

	got, err := cache.GetCachedMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, mb.Address, got.Address)
	assert.True(t, got.ExpiresAt.Equal(mb.ExpiresAt))
	require.NotNil(t, got.ActiveAddress)
	assert.Equal(t, mb.Address, *got.ActiveAddress)

	id, err := cache.GetCachedMailboxID(ctx, "foo@tempmail.dev")
	require.NoError(t, err)
	assert.Equal(t, "mb-1", id)

	// 缓存设置了过期时间
	assert.Equal(t, time.Minute, mr.TTL("mailbox:mb-1"))

	require.NoError(t, cache.InvalidateMailbox(ctx, "mb-1", "foo@tempmail.dev"))
	_, err = cache.GetCachedMailbox(ctx, "mb-1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = cache.GetCachedMailboxID(ctx, "foo@tempmail.dev")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_InactiveMailboxHasNoAddressMapping(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	mb := &domain.Mailbox{ID: "mb-2", Address: "gone@tempmail.dev"}
	require.NoError(t, cache.CacheMailbox(ctx, mb))

	_, err := cache.GetCachedMailboxID(ctx, "gone@tempmail.dev")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
