package domain

import (
	"time"
)

// DefaultMaxMessages 是邮箱未显式配置容量时的默认上限。
const DefaultMaxMessages = 100

// Mailbox 表示临时邮箱的业务实体。
type Mailbox struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address     string `json:"address" gorm:"type:varchar(255);index;not null"`
	LocalPart   string `json:"localPart" gorm:"type:varchar(64)"`
	Domain      string `json:"domain" gorm:"type:varchar(100);index"`
	DisplayName string `json:"displayName,omitempty" gorm:"type:varchar(255)"`
	ForwardTo   string `json:"forwardTo,omitempty" gorm:"type:varchar(255)"`
	OwnerID     string `json:"ownerId" gorm:"type:varchar(64);index:idx_mailboxes_owner_active,priority:1;not null"`
	Active      bool   `json:"active" gorm:"index:idx_mailboxes_owner_active,priority:2;not null"`
	MaxMessages int    `json:"maxMessages" gorm:"not null"`
	// ActiveAddress 仅在邮箱有效时等于 Address，失效后置空；唯一索引保证有效地址不重复。
	ActiveAddress *string    `json:"-" gorm:"type:varchar(255);uniqueIndex"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"index"`
	ExpiresAt     time.Time  `json:"expiresAt" gorm:"index;not null"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	PurgedAt      *time.Time `json:"-"`
}

// IsExpired 判断邮箱在给定时刻是否已过期（不论是否已被清理任务停用）。
func (m *Mailbox) IsExpired(now time.Time) bool {
	return m.ExpiresAt.Before(now)
}

// IsLive 判断邮箱当前是否可以收发邮件。
func (m *Mailbox) IsLive(now time.Time) bool {
	return m.Active && !m.IsExpired(now)
}

// Activate 设置有效状态及唯一地址占位。
func (m *Mailbox) Activate() {
	addr := m.Address
	m.Active = true
	m.ActiveAddress = &addr
	m.DeactivatedAt = nil
}

// Deactivate 将邮箱标记为失效并释放地址占位。
func (m *Mailbox) Deactivate(now time.Time) {
	m.Active = false
	m.ActiveAddress = nil
	m.DeactivatedAt = &now
}

// Capacity 返回邮箱的有效容量上限。
func (m *Mailbox) Capacity() int {
	if m.MaxMessages <= 0 {
		return DefaultMaxMessages
	}
	return m.MaxMessages
}

// CapacityPolicy 决定邮箱已满时新邮件的处理方式。
type CapacityPolicy string

const (
	// CapacityReject 拒绝新邮件。
	CapacityReject CapacityPolicy = "reject"
	// CapacityEvictOldest 删除最早的邮件后接收新邮件。
	CapacityEvictOldest CapacityPolicy = "evict_oldest"
)

// Valid 判断策略取值是否合法。
func (p CapacityPolicy) Valid() bool {
	return p == CapacityReject || p == CapacityEvictOldest
}
