package storage

import (
	"context"
	"errors"
	"time"

	"tempmail/inboxd/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateAddress 有效邮箱中已存在相同地址
	ErrDuplicateAddress = errors.New("mailbox address already in use")
	// ErrMailboxFull 邮箱已达到容量上限
	ErrMailboxFull = errors.New("mailbox is full")
)

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	// CreateMailbox 以单次原子插入保存邮箱，地址冲突时返回 ErrDuplicateAddress。
	CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	// GetActiveMailboxByAddress 只查找 active=true 的邮箱，不检查过期时间。
	GetActiveMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error)
	// ListActiveMailboxes 返回所有者的有效未过期邮箱，按创建时间倒序。
	ListActiveMailboxes(ctx context.Context, ownerID string, now time.Time) ([]domain.Mailbox, error)
	// ExtendMailbox 重置有效邮箱的过期时间。
	ExtendMailbox(ctx context.Context, id string, expiresAt time.Time) (*domain.Mailbox, error)
	// DeactivateMailbox 停用邮箱，返回本次调用是否实际改变了状态。
	DeactivateMailbox(ctx context.Context, id string, now time.Time) (bool, error)
	// DeleteMailbox 删除邮箱及其全部邮件。
	DeleteMailbox(ctx context.Context, id string) error
	// ListExpiredMailboxes 返回 active=true 且 expires_at < now 的邮箱。
	ListExpiredMailboxes(ctx context.Context, now time.Time, limit int) ([]domain.Mailbox, error)
	// ListPurgeableMailboxes 返回在 before 之前停用且邮件尚未清除的邮箱。
	ListPurgeableMailboxes(ctx context.Context, before time.Time, limit int) ([]domain.Mailbox, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// AppendMessage 在容量约束下插入邮件，返回因 evict_oldest 策略被删除的邮件 ID。
	AppendMessage(ctx context.Context, message *domain.Message, policy domain.CapacityPolicy) ([]string, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// ListMessages 按接收时间倒序返回邮件。
	ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error)
	// CountMessages 返回邮箱当前的邮件数。
	CountMessages(ctx context.Context, mailboxID string) (int, error)
	// MarkMessageRead 标记已读，返回邮件及本次是否发生变化。
	MarkMessageRead(ctx context.Context, id string) (*domain.Message, bool, error)
	// DeleteMessage 删除邮件并返回被删除的记录。
	DeleteMessage(ctx context.Context, id string) (*domain.Message, error)
	// PurgeMessages 删除邮箱全部邮件并记录清除时间，返回删除数量。
	PurgeMessages(ctx context.Context, mailboxID string, now time.Time) (int, error)
}

// DomainRepository 定义域名参考数据存取操作。
type DomainRepository interface {
	UpsertDomain(ctx context.Context, d *domain.Domain) error
	ListDomains(ctx context.Context, activeOnly bool) ([]domain.Domain, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	MessageRepository
	DomainRepository

	Close() error
	Health() error
}
