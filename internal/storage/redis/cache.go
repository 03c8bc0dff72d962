package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tempmail/inboxd/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 邮箱缓存
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewCache 创建缓存实例
func NewCache(client *Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client.Client(), ttl: ttl}
}

func mailboxKey(id string) string {
	return fmt.Sprintf("mailbox:%s", id)
}

func addressKey(address string) string {
	return fmt.Sprintf("mailbox:addr:%s", address)
}

// CacheMailbox 缓存邮箱，有效邮箱同时写入地址映射
func (c *Cache) CacheMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	data, err := json.Marshal(cachedMailbox{Mailbox: *mailbox, ActiveAddress: mailbox.ActiveAddress})
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, mailboxKey(mailbox.ID), data, c.ttl)
	if mailbox.Active {
		pipe.Set(ctx, addressKey(mailbox.Address), mailbox.ID, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetCachedMailbox 获取缓存的邮箱
func (c *Cache) GetCachedMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	data, err := c.client.Get(ctx, mailboxKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var cached cachedMailbox
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	mb := cached.Mailbox
	mb.ActiveAddress = cached.ActiveAddress
	return &mb, nil
}

// GetCachedMailboxID 根据有效地址获取邮箱 ID
func (c *Cache) GetCachedMailboxID(ctx context.Context, address string) (string, error) {
	id, err := c.client.Get(ctx, addressKey(address)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return id, nil
}

// InvalidateMailbox 删除邮箱及其地址映射
func (c *Cache) InvalidateMailbox(ctx context.Context, id, address string) error {
	keys := []string{mailboxKey(id)}
	if address != "" {
		keys = append(keys, addressKey(address))
	}
	return c.client.Del(ctx, keys...).Err()
}

// cachedMailbox 保留 json:"-" 的地址占位字段
type cachedMailbox struct {
	domain.Mailbox
	ActiveAddress *string `json:"activeAddress,omitempty"`
}
