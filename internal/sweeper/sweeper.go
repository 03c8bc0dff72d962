// Package sweeper 定期停用过期邮箱，并按策略清除其邮件。
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/storage"
)

// Policy 邮箱失效后邮件的处理策略
type Policy string

const (
	// PolicyRetain 保留邮件，直到所有者删除邮箱
	PolicyRetain Policy = "retain"
	// PolicyImmediate 停用后立即清除邮件
	PolicyImmediate Policy = "immediate"
	// PolicyDeferred 停用超过宽限期后清除邮件
	PolicyDeferred Policy = "deferred"
)

// Valid 判断策略是否合法
func (p Policy) Valid() bool {
	return p == PolicyRetain || p == PolicyImmediate || p == PolicyDeferred
}

// Result 一次扫描的结果
type Result struct {
	Deactivated int `json:"deactivated"`
	Purged      int `json:"purged"`
}

// Sweeper 过期清理任务
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	policy   Policy
	grace    time.Duration
	batch    int
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time

	// 手动触发与定时任务不并发执行
	mu sync.Mutex
}

// New 创建清理任务。metrics 可以为 nil。
func New(store storage.Store, cfg config.SweeperConfig, metrics *monitoring.Metrics, log *zap.Logger) (*Sweeper, error) {
	policy := Policy(cfg.CascadePolicy)
	if policy == "" {
		policy = PolicyRetain
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("invalid cascade policy %q", cfg.CascadePolicy)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		policy:   policy,
		grace:    cfg.GracePeriod,
		batch:    batch,
		metrics:  metrics,
		log:      log.Named("sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Policy 返回当前策略
func (s *Sweeper) Policy() Policy {
	return s.policy
}

// Run 按固定间隔执行扫描，直到 ctx 结束。单次失败只记录日志，下一轮重试。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.String("policy", string(s.policy)),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 执行一次扫描。
//
// 已停用的邮箱不会被重复处理，邮件清除在每个邮箱上最多执行一次。
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()

	var (
		res  Result
		errs []error
	)

	expired, err := s.store.ListExpiredMailboxes(ctx, now, s.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, mb := range expired {
		changed, err := s.store.DeactivateMailbox(ctx, mb.ID, now)
		if err != nil {
			if !errors.Is(err, storage.ErrMailboxNotFound) {
				errs = append(errs, fmt.Errorf("deactivate %s: %w", mb.ID, err))
			}
			continue
		}
		if changed {
			res.Deactivated++
		}
	}

	if before, ok := s.purgeBefore(now); ok {
		n, err := s.purge(ctx, before)
		res.Purged = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	s.metrics.RecordMailboxesExpired(res.Deactivated)
	s.metrics.RecordMessagesPurged(res.Purged)
	s.metrics.RecordSweep(time.Since(start), err)

	if res.Deactivated > 0 || res.Purged > 0 {
		s.log.Info("sweep completed",
			zap.Int("deactivated", res.Deactivated),
			zap.Int("purged", res.Purged),
		)
	}
	return res, err
}

// purgeBefore 返回可清除的停用时间上限
func (s *Sweeper) purgeBefore(now time.Time) (time.Time, bool) {
	switch s.policy {
	case PolicyImmediate:
		return now, true
	case PolicyDeferred:
		return now.Add(-s.grace), true
	default:
		return time.Time{}, false
	}
}

func (s *Sweeper) purge(ctx context.Context, before time.Time) (int, error) {
	mailboxes, err := s.store.ListPurgeableMailboxes(ctx, before, s.batch)
	if err != nil {
		return 0, err
	}

	var (
		total int
		errs  []error
	)
	for _, mb := range mailboxes {
		n, err := s.store.PurgeMessages(ctx, mb.ID, s.now())
		if err != nil {
			if !errors.Is(err, storage.ErrMailboxNotFound) {
				errs = append(errs, fmt.Errorf("purge %s: %w", mb.ID, err))
			}
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
