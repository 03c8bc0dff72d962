package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/storage/memory"
)

func newMailboxService(t *testing.T, domains ...string) (*MailboxService, *memory.Store) {
	t.Helper()
	if len(domains) == 0 {
		domains = []string{"tempmail.dev", "test.com"}
	}
	store := memory.NewStore()
	svc := NewMailboxService(store, config.MailboxConfig{
		DefaultTTL:     24 * time.Hour,
		MaxMessages:    3,
		MaxExtendHours: 72,
	}, nil, zap.NewNop())
	t.Cleanup(svc.Close)
	require.NoError(t, svc.SeedDomains(context.Background(), domains))
	return svc, store
}

func TestMailboxService_Create(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMailboxService(t)

	t.Run("创建随机邮箱成功", func(t *testing.T) {
		mb, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1"})
		require.NoError(t, err)

		assert.NotEmpty(t, mb.ID)
		assert.True(t, mb.Active)
		assert.Equal(t, 3, mb.MaxMessages)
		assert.Contains(t, []string{"tempmail.dev", "test.com"}, mb.Domain)
		assert.Equal(t, mb.LocalPart+"@"+mb.Domain, mb.Address)
		assert.Equal(t, 24*time.Hour, mb.ExpiresAt.Sub(mb.CreatedAt))
		assert.True(t, mb.ExpiresAt.After(mb.CreatedAt))
	})

	t.Run("指定用户名和域名", func(t *testing.T) {
		mb, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1", Username: " Foo ", Domain: "TEMPMAIL.dev", DisplayName: "Foo"})
		require.NoError(t, err)
		assert.Equal(t, "foo@tempmail.dev", mb.Address)
		assert.Equal(t, "Foo", mb.DisplayName)
	})

	t.Run("地址重复", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u2", Username: "foo", Domain: "tempmail.dev"})
		assert.ErrorIs(t, err, ErrDuplicateAddress)
	})

	t.Run("域名不可用", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1", Domain: "evil.com"})
		assert.ErrorIs(t, err, ErrDomainInvalid)
	})

	t.Run("用户名非法", func(t *testing.T) {
		for _, name := range []string{"a..b", "-abc", "has space", strings.Repeat("a", 65)} {
			_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1", Username: name})
			assert.ErrorIs(t, err, ErrUsernameInvalid, name)
		}
	})

	t.Run("转发地址非法", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1", ForwardTo: "not-an-address"})
		assert.ErrorIs(t, err, ErrInvalidRecipient)
	})

	t.Run("缺少所有者", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateMailboxInput{})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestMailboxService_CreateWithoutDomains(t *testing.T) {
	store := memory.NewStore()
	svc := NewMailboxService(store, config.MailboxConfig{}, nil, zap.NewNop())
	defer svc.Close()

	_, err := svc.Create(context.Background(), CreateMailboxInput{OwnerID: "u1"})
	assert.ErrorIs(t, err, ErrDomainInvalid)
}

func TestMailboxService_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMailboxService(t)

	const n = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		ok, dupErr int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1", Username: "race", Domain: "tempmail.dev"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateAddress):
				dupErr++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupErr)
}

func TestMailboxService_Extend(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMailboxService(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	mb, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1"})
	require.NoError(t, err)

	t.Run("重置而不是累加", func(t *testing.T) {
		later := base.Add(5 * time.Hour)
		svc.now = func() time.Time { return later }

		extended, err := svc.Extend(ctx, "u1", mb.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, later.Add(2*time.Hour), extended.ExpiresAt)

		again, err := svc.Extend(ctx, "u1", mb.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, extended.ExpiresAt, again.ExpiresAt)
	})

	t.Run("小时数越界", func(t *testing.T) {
		_, err := svc.Extend(ctx, "u1", mb.ID, 0)
		assert.ErrorIs(t, err, ErrInvalidHours)
		_, err = svc.Extend(ctx, "u1", mb.ID, 73)
		assert.ErrorIs(t, err, ErrInvalidHours)
	})

	t.Run("非所有者", func(t *testing.T) {
		_, err := svc.Extend(ctx, "u2", mb.ID, 1)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("邮箱不存在", func(t *testing.T) {
		_, err := svc.Extend(ctx, "u1", "missing", 1)
		assert.ErrorIs(t, err, ErrMailboxNotFound)
	})

	t.Run("已停用的邮箱不能续期", func(t *testing.T) {
		require.NoError(t, svc.Deactivate(ctx, "u1", mb.ID))
		require.NoError(t, svc.Deactivate(ctx, "u1", mb.ID))
		_, err := svc.Extend(ctx, "u1", mb.ID, 1)
		assert.ErrorIs(t, err, ErrMailboxNotFound)
	})
}

func TestMailboxService_ListActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMailboxService(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return created }
		mb, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1"})
		require.NoError(t, err)
		ids = append(ids, mb.ID)
	}
	_, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u2"})
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, svc.Deactivate(ctx, "u1", ids[1]))

	list, err := svc.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[1].ID)

	// 过期的邮箱不出现在列表中
	svc.now = func() time.Time { return base.Add(48 * time.Hour) }
	list, err = svc.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMailboxService_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, store := newMailboxService(t)

	mb, err := svc.Create(ctx, CreateMailboxInput{OwnerID: "u1"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "u1", mb.ID)
	require.NoError(t, err)
	assert.Equal(t, mb.Address, got.Address)

	_, err = svc.Get(ctx, "u2", mb.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, svc.Delete(ctx, "u2", mb.ID), ErrUnauthorized)
	require.NoError(t, svc.Delete(ctx, "u1", mb.ID))

	_, err = store.GetMailbox(ctx, mb.ID)
	assert.ErrorIs(t, err, ErrMailboxNotFound)
}

func TestMailboxService_Domains(t *testing.T) {
	ctx := context.Background()
	svc, store := newMailboxService(t, "tempmail.dev")

	list, err := svc.ListDomains(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tempmail.dev", list[0].Name)

	assert.Error(t, svc.SeedDomains(ctx, []string{"not a domain"}))

	// 停用后缓存失效即不可再创建
	require.NoError(t, store.UpsertDomain(ctx, &domain.Domain{Name: "tempmail.dev", Active: false}))
	svc.domains.Clear()
	_, err = svc.Create(ctx, CreateMailboxInput{OwnerID: "u1"})
	assert.ErrorIs(t, err, ErrDomainInvalid)
}

func TestGenerateUsername(t *testing.T) {
	r := newRandomSource(42)
	for i := 0; i < 50; i++ {
		name := r.generateUsername()
		assert.NoError(t, domain.ValidateLocalPart(name), name)

		var matched bool
		for _, adj := range usernameAdjectives {
			if strings.HasPrefix(name, adj) {
				matched = true
			}
		}
		assert.True(t, matched, name)
	}
}
