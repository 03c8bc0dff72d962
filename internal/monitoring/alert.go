package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule 告警规则。Condition 返回非空描述时视为触发。
type AlertRule struct {
	ID        string
	Name      string
	Condition func() (string, bool)
	Level     AlertLevel
	Component string
	Cooldown  time.Duration
}

// AlertManager 周期性评估规则，条件消失后自动解除告警
type AlertManager struct {
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	rules         []AlertRule
	active        map[string]*Alert
	lastTriggered map[string]time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:        logger,
		now:           time.Now,
		active:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
	}
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// ActiveAlerts 获取未解除的告警
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.active))
	for _, alert := range am.active {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// CheckRules 评估全部规则一次
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		message, firing := rule.Condition()
		if firing {
			am.trigger(rule, message)
		} else {
			am.resolve(rule.ID)
		}
	}
}

func (am *AlertManager) trigger(rule AlertRule, message string) {
	now := am.now()

	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.active[rule.ID]; exists {
		return
	}
	if last, ok := am.lastTriggered[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
		return
	}

	alert := &Alert{
		ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
		Title:     rule.Name,
		Message:   message,
		Level:     rule.Level,
		Component: rule.Component,
		Timestamp: now,
	}
	am.active[rule.ID] = alert
	am.lastTriggered[rule.ID] = now

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
	}
	if alert.Level == AlertLevelCritical {
		am.logger.Error("CRITICAL ALERT", fields...)
	} else {
		am.logger.Warn("WARNING ALERT", fields...)
	}
}

func (am *AlertManager) resolve(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, exists := am.active[ruleID]
	if !exists {
		return
	}
	delete(am.active, ruleID)

	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	am.logger.Info("alert resolved", zap.String("alert_id", alert.ID))
}

// Run 按间隔评估规则，直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// ChannelLeakRule 持有的订阅通道多于打开的视图与排队中的释放任务之和
func ChannelLeakRule(open, views, pendingReleases func() int) AlertRule {
	return AlertRule{
		ID:   "realtime_channel_leak",
		Name: "Realtime Channel Leak",
		Condition: func() (string, bool) {
			o, v, p := open(), views(), pendingReleases()
			if o <= v+p {
				return "", false
			}
			return fmt.Sprintf("%d channels held for %d views (%d releases queued)", o, v, p), true
		},
		Level:     AlertLevelWarning,
		Component: "realtime",
		Cooldown:  5 * time.Minute,
	}
}

// StoreHealthRule 存储不可用
func StoreHealthRule(store interface{ Health() error }) AlertRule {
	return AlertRule{
		ID:   "store_health",
		Name: "Store Unavailable",
		Condition: func() (string, bool) {
			if err := store.Health(); err != nil {
				return err.Error(), true
			}
			return "", false
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Cooldown:  time.Minute,
	}
}

// ReleaseBacklogRule 释放队列积压超过阈值
func ReleaseBacklogRule(pending func() int, threshold int) AlertRule {
	return AlertRule{
		ID:   "release_backlog",
		Name: "Release Backlog",
		Condition: func() (string, bool) {
			n := pending()
			if n <= threshold {
				return "", false
			}
			return fmt.Sprintf("%d channel releases queued (threshold %d)", n, threshold), true
		},
		Level:     AlertLevelWarning,
		Component: "realtime",
		Cooldown:  5 * time.Minute,
	}
}
