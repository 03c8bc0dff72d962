package redisfeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/realtime"
)

func newBroker(t *testing.T) (*Broker, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop(), 8), rdb
}

func next(t *testing.T, sub realtime.Subscription) (realtime.Change, bool) {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		return c, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return realtime.Change{}, false
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	sub, err := b.Subscribe(ctx, "emails-mb-1-1", realtime.Filter{MailboxID: "mb-1"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, realtime.NewChange(realtime.ChangeInsert, realtime.TableMessages, "mb-2", "other", nil)))
	require.NoError(t, b.Publish(ctx, realtime.NewChange(realtime.ChangeInsert, realtime.TableMessages, "mb-1", "m1", map[string]string{"subject": "hi"})))

	c, ok := next(t, sub)
	require.True(t, ok)
	assert.Equal(t, "m1", c.RecordID)
	assert.Equal(t, realtime.ChangeInsert, c.Type)
	assert.JSONEq(t, `{"subject":"hi"}`, string(c.Row))
}

func TestBroker_DuplicateName(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	sub, err := b.Subscribe(ctx, "dup", realtime.Filter{MailboxID: "mb-1"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Subscribe(ctx, "dup", realtime.Filter{MailboxID: "mb-1"})
	assert.ErrorIs(t, err, realtime.ErrChannelExists)
}

func TestBroker_CloseReleasesName(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	sub, err := b.Subscribe(ctx, "x", realtime.Filter{MailboxID: "mb-1"})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := next(t, sub)
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	again, err := b.Subscribe(ctx, "x", realtime.Filter{MailboxID: "mb-1"})
	require.NoError(t, err)
	again.Close()
}

func TestBroker_ThroughManager(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)
	m := realtime.NewManager(b, zap.NewNop(), 8)

	h, err := m.Acquire(ctx, 0, realtime.Filter{MailboxID: "mb-1"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, realtime.NewChange(realtime.ChangeDelete, realtime.TableMessages, "mb-1", "m9", nil)))
	select {
	case ev := <-h.Events():
		assert.Equal(t, h.Token(), ev.Token)
		assert.Equal(t, "m9", ev.Change.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	require.NoError(t, m.Release(h))
	assert.Equal(t, 0, m.Open())
}
