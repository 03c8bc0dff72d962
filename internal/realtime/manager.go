package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Token 标记一个订阅实例，在进程生命周期内单调递增且唯一
type Token uint64

// Event 带有订阅代号的变更
type Event struct {
	Token  Token
	Change Change
}

// Handle 一次 Acquire 得到的订阅句柄
type Handle struct {
	token  Token
	name   string
	filter Filter
	sub    Subscription
	events chan Event
	done   chan struct{}

	once     sync.Once
	released atomic.Bool
}

// Token 返回句柄的代号
func (h *Handle) Token() Token { return h.token }

// Name 返回代理侧的通道名
func (h *Handle) Name() string { return h.name }

// Filter 返回订阅条件
func (h *Handle) Filter() Filter { return h.filter }

// Events 返回带代号的事件流，释放或远端关闭后关闭
func (h *Handle) Events() <-chan Event { return h.events }

// Released 判断句柄是否已被主动释放
func (h *Handle) Released() bool { return h.released.Load() }

// Err 返回远端关闭的原因，主动释放或仍在运行时为 nil
func (h *Handle) Err() error {
	if h.released.Load() {
		return nil
	}
	return h.sub.Err()
}

// Manager 进程级的订阅管理器，所有通道都通过显式的 Acquire/Release 获取和归还
type Manager struct {
	broker     Broker
	log        *zap.Logger
	buffer     int
	generation atomic.Uint64

	mu   sync.Mutex
	open map[Token]*Handle
}

// NewManager 创建订阅管理器
func NewManager(broker Broker, log *zap.Logger, buffer int) *Manager {
	if buffer <= 0 {
		buffer = 32
	}
	return &Manager{
		broker: broker,
		log:    log.Named("realtime"),
		buffer: buffer,
		open:   make(map[Token]*Handle),
	}
}

// NextToken 预留一个新的订阅代号
func (m *Manager) NextToken() Token {
	return Token(m.generation.Add(1))
}

// ChannelName 生成带代号的通道名，快速重选时不会与旧通道重名
func ChannelName(mailboxID string, token Token) string {
	return fmt.Sprintf("emails-%s-%d", mailboxID, token)
}

// Acquire 打开订阅。token 为 0 时自动分配。
func (m *Manager) Acquire(ctx context.Context, token Token, filter Filter) (*Handle, error) {
	if token == 0 {
		token = m.NextToken()
	}
	name := ChannelName(filter.MailboxID, token)

	sub, err := m.broker.Subscribe(ctx, name, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscriptionFailure, name, err)
	}

	h := &Handle{
		token:  token,
		name:   name,
		filter: filter,
		sub:    sub,
		events: make(chan Event, m.buffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.open[token] = h
	m.mu.Unlock()

	m.log.Debug("channel acquired", zap.String("channel", name))
	go m.pump(h)
	return h, nil
}

// Release 归还订阅。对 nil、已释放或已被远端关闭的句柄调用都是安全的。
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		h.released.Store(true)
		close(h.done)
		err = h.sub.Close()
		m.forget(h)
		m.log.Debug("channel released", zap.String("channel", h.name))
	})
	return err
}

// Open 返回当前打开的通道数
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Close 释放全部通道
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.open))
	for _, h := range m.open {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := m.Release(h); err != nil {
			m.log.Warn("release channel failed", zap.String("channel", h.name), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[h.token] == h {
		delete(m.open, h.token)
	}
}

// pump 为变更打上代号后转发，结束时关闭事件流
func (m *Manager) pump(h *Handle) {
	defer close(h.events)

	changes := h.sub.Changes()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				if !h.released.Load() {
					m.log.Warn("channel closed by provider",
						zap.String("channel", h.name),
						zap.Error(h.sub.Err()),
					)
					m.forget(h)
				}
				return
			}
			select {
			case h.events <- Event{Token: h.token, Change: c}:
			case <-h.done:
				return
			}
		case <-h.done:
			return
		}
	}
}
