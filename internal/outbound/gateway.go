// Package outbound 对接发件网关，只负责投递，不记录邮件。
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/inboxd/internal/config"
)

// Outgoing 待投递的邮件
type Outgoing struct {
	From     string
	FromName string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	Text     string
	HTML     string
}

// Recipients 返回全部收件人
func (o Outgoing) Recipients() []string {
	all := make([]string, 0, len(o.To)+len(o.Cc)+len(o.Bcc))
	all = append(all, o.To...)
	all = append(all, o.Cc...)
	return append(all, o.Bcc...)
}

// Gateway 发件网关，返回服务商的消息 ID
type Gateway interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// ErrPermanent 标记不可重试的投递失败
var ErrPermanent = errors.New("permanent delivery failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent 包装不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// New 按配置创建发件网关，并包装重试逻辑
func New(ctx context.Context, cfg config.OutboundConfig, log *zap.Logger) (Gateway, error) {
	var gw Gateway
	switch cfg.Provider {
	case "", "log":
		gw = NewLogGateway(log)
	case "ses":
		ses, err := NewSESGateway(ctx, cfg.SESRegion, cfg.SESAccessKey, cfg.SESSecretKey, log)
		if err != nil {
			return nil, err
		}
		gw = ses
	default:
		return nil, fmt.Errorf("unknown outbound provider %q", cfg.Provider)
	}

	return NewRetrying(gw, RetryConfig{
		MaxRetries:     cfg.RetryMax,
		InitialBackoff: cfg.RetryBackoff,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		AttemptTimeout: cfg.RequestTimeout,
	}, log), nil
}
