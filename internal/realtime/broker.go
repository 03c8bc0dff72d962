package realtime

import (
	"context"
	"errors"
)

var (
	// ErrProviderClosed 订阅通道被远端关闭
	ErrProviderClosed = errors.New("realtime: channel closed by provider")
	// ErrChannelExists 同名通道已存在
	ErrChannelExists = errors.New("realtime: channel name already in use")
	// ErrBrokerClosed 代理已关闭
	ErrBrokerClosed = errors.New("realtime: broker closed")
	// ErrSubscriptionFailure 打开订阅失败
	ErrSubscriptionFailure = errors.New("realtime: subscription failed")
)

// Publisher 发布已提交的变更
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Subscription 代理侧的一个命名通道
type Subscription interface {
	// Changes 在通道被释放或远端关闭时关闭。
	Changes() <-chan Change
	// Err 返回通道被远端关闭的原因，主动释放时为 nil。
	Err() error
	// Close 释放通道，重复调用无副作用。
	Close() error
}

// Broker 发布订阅原语
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, name string, filter Filter) (Subscription, error)
	Close() error
}
