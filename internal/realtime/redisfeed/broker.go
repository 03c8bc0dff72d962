// Package redisfeed 基于 Redis Pub/Sub 实现变更通道，适用于多实例部署。
package redisfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/realtime"
)

const channelPrefix = "tempmail:changes:"

// Broker Redis 发布订阅代理
type Broker struct {
	rdb    *goredis.Client
	log    *zap.Logger
	buffer int

	mu    sync.Mutex
	names map[string]*subscription
}

var _ realtime.Broker = (*Broker)(nil)

// New 创建 Redis 代理
func New(rdb *goredis.Client, log *zap.Logger, buffer int) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broker{
		rdb:    rdb,
		log:    log.Named("redisfeed"),
		buffer: buffer,
		names:  make(map[string]*subscription),
	}
}

// ChannelFor 返回邮箱对应的 Redis 频道
func ChannelFor(mailboxID string) string {
	return channelPrefix + mailboxID
}

// Publish 发布到邮箱频道
func (b *Broker) Publish(ctx context.Context, change realtime.Change) error {
	data, err := realtime.Encode(change)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelFor(change.MailboxID), data).Err()
}

// Subscribe 订阅邮箱频道；未指定邮箱时按模式订阅全部频道
func (b *Broker) Subscribe(ctx context.Context, name string, filter realtime.Filter) (realtime.Subscription, error) {
	b.mu.Lock()
	if _, exists := b.names[name]; exists {
		b.mu.Unlock()
		return nil, realtime.ErrChannelExists
	}
	b.names[name] = nil
	b.mu.Unlock()

	var ps *goredis.PubSub
	if filter.MailboxID == "" {
		ps = b.rdb.PSubscribe(ctx, channelPrefix+"*")
	} else {
		ps = b.rdb.Subscribe(ctx, ChannelFor(filter.MailboxID))
	}

	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		b.forget(name)
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &subscription{
		name:   name,
		filter: filter,
		ps:     ps,
		out:    make(chan realtime.Change, b.buffer),
		broker: b,
	}
	b.mu.Lock()
	b.names[name] = sub
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close 关闭全部订阅，Redis 客户端由调用方管理
func (b *Broker) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.names))
	for _, sub := range b.names {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (b *Broker) forget(name string) {
	b.mu.Lock()
	delete(b.names, name)
	b.mu.Unlock()
}

type subscription struct {
	name   string
	filter realtime.Filter
	ps     *goredis.PubSub
	out    chan realtime.Change
	broker *Broker

	once     sync.Once
	released atomic.Bool
	err      atomic.Value
}

func (s *subscription) Changes() <-chan realtime.Change { return s.out }

func (s *subscription) Err() error {
	if v := s.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.released.Store(true)
		err = s.ps.Close()
		s.broker.forget(s.name)
	})
	return err
}

func (s *subscription) run() {
	defer close(s.out)

	for msg := range s.ps.Channel() {
		if !strings.HasPrefix(msg.Channel, channelPrefix) {
			continue
		}
		change, err := realtime.Decode([]byte(msg.Payload))
		if err != nil {
			s.broker.log.Warn("discarding malformed change", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if !s.filter.Match(change) {
			continue
		}
		select {
		case s.out <- change:
		default:
			// 积压的事件已足够触发刷新
		}
	}

	if !s.released.Load() {
		s.err.Store(realtime.ErrProviderClosed)
		s.broker.forget(s.name)
	}
}
