package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBroker 进程内的发布订阅实现
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string]*memorySub
	buffer  int
	closed  bool
	dropped atomic.Int64
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker 创建进程内代理，buffer 为每个通道的缓冲大小
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryBroker{
		subs:   make(map[string]*memorySub),
		buffer: buffer,
	}
}

type memorySub struct {
	name   string
	filter Filter
	ch     chan Change
	broker *MemoryBroker

	// 以下字段由 broker.mu 保护
	closed bool
	err    error
}

func (s *memorySub) Changes() <-chan Change { return s.ch }

func (s *memorySub) Err() error {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.broker.remove(s.name, s, nil)
	return nil
}

// Publish 将变更投递给匹配的通道。通道缓冲已满时丢弃，
// 订阅方每次收到事件都会全量刷新，积压的事件足以保证最终一致。
func (b *MemoryBroker) Publish(_ context.Context, change Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}
	for _, sub := range b.subs {
		if !sub.filter.Match(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe 打开命名通道
func (b *MemoryBroker) Subscribe(_ context.Context, name string, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, exists := b.subs[name]; exists {
		return nil, ErrChannelExists
	}
	sub := &memorySub{
		name:   name,
		filter: filter,
		ch:     make(chan Change, b.buffer),
		broker: b,
	}
	b.subs[name] = sub
	return sub, nil
}

// Disconnect 从代理侧关闭指定通道，模拟远端断开
func (b *MemoryBroker) Disconnect(name string) bool {
	b.mu.RLock()
	sub, ok := b.subs[name]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	b.remove(name, sub, ErrProviderClosed)
	return true
}

// Channels 返回当前打开的通道数
func (b *MemoryBroker) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 返回因缓冲已满被丢弃的事件数
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭代理及全部通道
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for name, sub := range b.subs {
		b.closeLocked(name, sub, ErrBrokerClosed)
	}
	return nil
}

func (b *MemoryBroker) remove(name string, sub *memorySub, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(name, sub, reason)
}

func (b *MemoryBroker) closeLocked(name string, sub *memorySub, reason error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = reason
	close(sub.ch)
	if b.subs[name] == sub {
		delete(b.subs, name)
	}
}
