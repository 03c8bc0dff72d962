// Package pgnotify 基于 PostgreSQL LISTEN/NOTIFY 实现变更通道。
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/realtime"
)

// DefaultChannel 默认的 NOTIFY 通道
const DefaultChannel = "tempmail_changes"

// maxPayload NOTIFY 负载上限为 8000 字节，留出余量
const maxPayload = 7900

// Broker PostgreSQL 通知代理，每个订阅独占一个连接
type Broker struct {
	pool    *pgxpool.Pool
	log     *zap.Logger
	channel string
	buffer  int

	mu    sync.Mutex
	names map[string]*subscription
}

var _ realtime.Broker = (*Broker)(nil)

// New 创建通知代理
func New(pool *pgxpool.Pool, log *zap.Logger, buffer int) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broker{
		pool:    pool,
		log:     log.Named("pgnotify"),
		channel: DefaultChannel,
		buffer:  buffer,
		names:   make(map[string]*subscription),
	}
}

// encodePayload 序列化变更，超出上限时去掉行数据
func encodePayload(c realtime.Change) (string, error) {
	data, err := realtime.Encode(c)
	if err != nil {
		return "", err
	}
	if len(data) <= maxPayload {
		return string(data), nil
	}
	c.Row = nil
	data, err = realtime.Encode(c)
	if err != nil {
		return "", err
	}
	if len(data) > maxPayload {
		return "", fmt.Errorf("change payload too large: %d bytes", len(data))
	}
	return string(data), nil
}

// Publish 通过 pg_notify 发布
func (b *Broker) Publish(ctx context.Context, change realtime.Change) error {
	payload, err := encodePayload(change)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, payload)
	return err
}

// Subscribe 占用一个连接执行 LISTEN，并在客户端按条件过滤
func (b *Broker) Subscribe(ctx context.Context, name string, filter realtime.Filter) (realtime.Subscription, error) {
	b.mu.Lock()
	if _, exists := b.names[name]; exists {
		b.mu.Unlock()
		return nil, realtime.ErrChannelExists
	}
	b.names[name] = nil
	b.mu.Unlock()

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		b.forget(name)
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		conn.Release()
		b.forget(name)
		return nil, fmt.Errorf("listen %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		name:   name,
		filter: filter,
		conn:   conn,
		out:    make(chan realtime.Change, b.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		broker: b,
	}
	b.mu.Lock()
	b.names[name] = sub
	b.mu.Unlock()

	go sub.run(runCtx)
	return sub, nil
}

// Close 关闭全部订阅，连接池由调用方管理
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
	conn   *pgxpool.Conn
	out    chan realtime.Change
	cancel context.CancelFunc
	done   chan struct{}
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
	s.once.Do(func() {
		s.released.Store(true)
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.out)
	defer close(s.done)
	defer s.broker.forget(s.name)
	defer s.restore()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if !s.released.Load() && !errors.Is(err, context.Canceled) {
				s.broker.log.Warn("listen connection lost", zap.String("channel", s.name), zap.Error(err))
				s.err.Store(realtime.ErrProviderClosed)
			}
			return
		}
		change, err := realtime.Decode([]byte(n.Payload))
		if err != nil {
			s.broker.log.Warn("discarding malformed notification", zap.Error(err))
			continue
		}
		if !s.filter.Match(change) {
			continue
		}
		select {
		case s.out <- change:
		default:
		}
	}
}

// restore 取消监听后归还连接，失败时直接关闭连接
func (s *subscription) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
}
