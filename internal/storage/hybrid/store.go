package hybrid

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/storage"
	"tempmail/inboxd/internal/storage/redis"
)

// Store 混合存储实现，数据库为准，Redis 缓存邮箱查询。
// 邮件列表不缓存，订阅方的全量刷新总是读到最新数据。
type Store struct {
	storage.Store
	cache *redis.Cache
	log   *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache *redis.Cache, log *zap.Logger) *Store {
	return &Store{Store: db, cache: cache, log: log.Named("hybrid")}
}

// ========== Mailbox Repository ==========

// CreateMailbox 保存邮箱并写入缓存
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if err := s.Store.CreateMailbox(ctx, mailbox); err != nil {
		return err
	}
	s.fill(ctx, mailbox)
	return nil
}

// GetMailbox 先查缓存，未命中时回源数据库
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	if mailbox, err := s.cache.GetCachedMailbox(ctx, id); err == nil {
		return mailbox, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("mailbox cache read failed", zap.String("mailbox_id", id), zap.Error(err))
	}

	mailbox, err := s.Store.GetMailbox(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, mailbox)
	return mailbox, nil
}

// GetActiveMailboxByAddress 通过地址映射命中缓存
func (s *Store) GetActiveMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	if id, err := s.cache.GetCachedMailboxID(ctx, address); err == nil {
		if mailbox, err := s.cache.GetCachedMailbox(ctx, id); err == nil && mailbox.Active {
			return mailbox, nil
		}
	}

	mailbox, err := s.Store.GetActiveMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, mailbox)
	return mailbox, nil
}

// ExtendMailbox 更新数据库后刷新缓存
func (s *Store) ExtendMailbox(ctx context.Context, id string, expiresAt time.Time) (*domain.Mailbox, error) {
	mailbox, err := s.Store.ExtendMailbox(ctx, id, expiresAt)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, mailbox)
	return mailbox, nil
}

// DeactivateMailbox 停用后删除缓存
func (s *Store) DeactivateMailbox(ctx context.Context, id string, now time.Time) (bool, error) {
	address := s.addressOf(ctx, id)
	changed, err := s.Store.DeactivateMailbox(ctx, id, now)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, id, address)
	return changed, nil
}

// DeleteMailbox 删除后清理缓存
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	address := s.addressOf(ctx, id)
	if err := s.Store.DeleteMailbox(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id, address)
	return nil
}

// PurgeMessages 清除邮件后使缓存失效，保证 purged_at 可见
func (s *Store) PurgeMessages(ctx context.Context, mailboxID string, now time.Time) (int, error) {
	n, err := s.Store.PurgeMessages(ctx, mailboxID, now)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, mailboxID, "")
	return n, nil
}

// Close 关闭数据库存储
func (s *Store) Close() error {
	return s.Store.Close()
}

func (s *Store) addressOf(ctx context.Context, id string) string {
	mailbox, err := s.Store.GetMailbox(ctx, id)
	if err != nil {
		return ""
	}
	return mailbox.Address
}

func (s *Store) fill(ctx context.Context, mailbox *domain.Mailbox) {
	// 缓存失败不影响主流程
	if err := s.cache.CacheMailbox(ctx, mailbox); err != nil {
		s.log.Warn("failed to cache mailbox", zap.String("mailbox_id", mailbox.ID), zap.Error(err))
	}
}

func (s *Store) invalidate(ctx context.Context, id, address string) {
	if err := s.cache.InvalidateMailbox(ctx, id, address); err != nil {
		s.log.Warn("failed to invalidate mailbox cache", zap.String("mailbox_id", id), zap.Error(err))
	}
}
