package outbound

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryConfig 重试参数
type RetryConfig struct {
	MaxRetries     int           // 最大重试次数，0 表示只发送一次
	InitialBackoff time.Duration // 首次重试前的等待
	MaxBackoff     time.Duration // 等待上限
	Multiplier     float64       // 每次重试的等待倍数
	AttemptTimeout time.Duration // 单次发送超时，0 表示不限
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// backoff 第 attempt 次失败后的等待时间
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Retrying 对临时失败做指数退避重试
type Retrying struct {
	inner Gateway
	cfg   RetryConfig
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying 包装网关
func NewRetrying(inner Gateway, cfg RetryConfig, log *zap.Logger) *Retrying {
	return &Retrying{
		inner: inner,
		cfg:   cfg.withDefaults(),
		log:   log.Named("outbound"),
		sleep: sleepContext,
	}
}

// Send 投递邮件，永久失败或上下文取消时立即返回
func (r *Retrying) Send(ctx context.Context, msg Outgoing) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		id, err := r.attempt(ctx, msg)
		if err == nil {
			return id, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			break
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		wait := r.cfg.backoff(attempt)
		r.log.Warn("outbound send failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := r.sleep(ctx, wait); err != nil {
			break
		}
	}
	return "", fmt.Errorf("send failed: %w", lastErr)
}

func (r *Retrying) attempt(ctx context.Context, msg Outgoing) (string, error) {
	if r.cfg.AttemptTimeout <= 0 {
		return r.inner.Send(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	return r.inner.Send(ctx, msg)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
