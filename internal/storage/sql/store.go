package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

var _ storage.Store = (*Store)(nil)

// NewStore 打开数据库连接、配置连接池并执行迁移
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.Driver != "mysql" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewStoreWithDB(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewStoreWithDB 基于已有连接创建存储，不执行迁移
func NewStoreWithDB(db *sql.DB, driverName string) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true})
	case "postgres":
		dialector = postgres.New(postgres.Config{Conn: db})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return &Store{db: db, gormDB: gormDB, driverName: driverName}, nil
}

// Migrate 使用 GORM AutoMigrate 同步表结构
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Domain{},
		&domain.Mailbox{},
		&domain.Message{},
	)
}

// DB 返回底层连接，供健康检查使用
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ========== 邮箱 ==========

// CreateMailbox 插入邮箱，依赖 active_address 唯一索引保证有效地址不重复。
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if err := s.gormDB.WithContext(ctx).Create(mailbox).Error; err != nil {
		if isDuplicateKey(err) {
			return storage.ErrDuplicateAddress
		}
		return fmt.Errorf("create mailbox: %w", err)
	}
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.gormDB.WithContext(ctx).First(&mb, "id = ?", id).Error; err != nil {
		return nil, notFound(err, storage.ErrMailboxNotFound)
	}
	return &mb, nil
}

// GetActiveMailboxByAddress 根据地址获取有效邮箱。
func (s *Store) GetActiveMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	err := s.gormDB.WithContext(ctx).
		Where("active_address = ? AND active = ?", address, true).
		First(&mb).Error
	if err != nil {
		return nil, notFound(err, storage.ErrMailboxNotFound)
	}
	return &mb, nil
}

// ListActiveMailboxes 返回所有者的有效邮箱。
func (s *Store) ListActiveMailboxes(ctx context.Context, ownerID string, now time.Time) ([]domain.Mailbox, error) {
	var list []domain.Mailbox
	err := s.gormDB.WithContext(ctx).
		Where("owner_id = ? AND active = ? AND expires_at >= ?", ownerID, true, now).
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return list, nil
}

// ExtendMailbox 重置有效邮箱的过期时间。
func (s *Store) ExtendMailbox(ctx context.Context, id string, expiresAt time.Time) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND active = ?", id, true).
			First(&mb).Error; err != nil {
			return notFound(err, storage.ErrMailboxNotFound)
		}
		mb.ExpiresAt = expiresAt
		return tx.Model(&domain.Mailbox{}).Where("id = ?", id).Update("expires_at", expiresAt).Error
	})
	if err != nil {
		return nil, err
	}
	return &mb, nil
}

// DeactivateMailbox 停用邮箱并释放地址占位。
func (s *Store) DeactivateMailbox(ctx context.Context, id string, now time.Time) (bool, error) {
	result := s.gormDB.WithContext(ctx).
		Model(&domain.Mailbox{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{
			"active":         false,
			"active_address": nil,
			"deactivated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("deactivate mailbox: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 区分已停用与不存在
	var count int64
	if err := s.gormDB.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("deactivate mailbox: %w", err)
	}
	if count == 0 {
		return false, storage.ErrMailboxNotFound
	}
	return false, nil
}

// DeleteMailbox 在事务中删除邮箱与全部邮件。
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Mailbox{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}
		return nil
	})
}

// ListExpiredMailboxes 返回已过期但仍有效的邮箱。
func (s *Store) ListExpiredMailboxes(ctx context.Context, now time.Time, limit int) ([]domain.Mailbox, error) {
	var list []domain.Mailbox
	q := s.gormDB.WithContext(ctx).
		Where("active = ? AND expires_at < ?", true, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list expired mailboxes: %w", err)
	}
	return list, nil
}

// ListPurgeableMailboxes 返回停用超过宽限期且尚未清除邮件的邮箱。
func (s *Store) ListPurgeableMailboxes(ctx context.Context, before time.Time, limit int) ([]domain.Mailbox, error) {
	var list []domain.Mailbox
	q := s.gormDB.WithContext(ctx).
		Where("active = ? AND purged_at IS NULL AND deactivated_at <= ?", false, before).
		Order("deactivated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list purgeable mailboxes: %w", err)
	}
	return list, nil
}

// ========== 邮件 ==========

// AppendMessage 锁定邮箱行后检查容量并插入邮件。
func (s *Store) AppendMessage(ctx context.Context, message *domain.Message, policy domain.CapacityPolicy) ([]string, error) {
	var evicted []string
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mb domain.Mailbox
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&mb, "id = ?", message.MailboxID).Error; err != nil {
			return notFound(err, storage.ErrMailboxNotFound)
		}

		var count int64
		if err := tx.Model(&domain.Message{}).Where("mailbox_id = ?", mb.ID).Count(&count).Error; err != nil {
			return err
		}

		capacity := int64(mb.Capacity())
		if count >= capacity {
			if policy != domain.CapacityEvictOldest {
				return storage.ErrMailboxFull
			}
			excess := int(count - capacity + 1)
			if err := tx.Model(&domain.Message{}).
				Where("mailbox_id = ?", mb.ID).
				Order("received_at ASC, id ASC").
				Limit(excess).
				Pluck("id", &evicted).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", evicted).Delete(&domain.Message{}).Error; err != nil {
				return err
			}
		}

		return tx.Create(message).Error
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// GetMessage 获取邮件。
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	if err := s.gormDB.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err, storage.ErrMessageNotFound)
	}
	return &msg, nil
}

// ListMessages 按接收时间倒序列出邮件。
func (s *Store) ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error) {
	var count int64
	if err := s.gormDB.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", mailboxID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if count == 0 {
		return nil, storage.ErrMailboxNotFound
	}

	var list []domain.Message
	err := s.gormDB.WithContext(ctx).
		Where("mailbox_id = ?", mailboxID).
		Order("received_at DESC, id DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return list, nil
}

// CountMessages 统计邮箱的邮件数。
func (s *Store) CountMessages(ctx context.Context, mailboxID string) (int, error) {
	var count int64
	if err := s.gormDB.WithContext(ctx).Model(&domain.Message{}).Where("mailbox_id = ?", mailboxID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(count), nil
}

// MarkMessageRead 标记邮件已读，已读邮件保持不变。
func (s *Store) MarkMessageRead(ctx context.Context, id string) (*domain.Message, bool, error) {
	var msg domain.Message
	changed := false
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&msg, "id = ?", id).Error; err != nil {
			return notFound(err, storage.ErrMessageNotFound)
		}
		if msg.IsRead {
			return nil
		}
		if err := tx.Model(&domain.Message{}).Where("id = ?", id).Update("is_read", true).Error; err != nil {
			return err
		}
		msg.IsRead = true
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &msg, changed, nil
}

// DeleteMessage 删除邮件并返回原记录。
func (s *Store) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&msg, "id = ?", id).Error; err != nil {
			return notFound(err, storage.ErrMessageNotFound)
		}
		return tx.Where("id = ?", id).Delete(&domain.Message{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// PurgeMessages 删除邮箱全部邮件并记录清除时间。
func (s *Store) PurgeMessages(ctx context.Context, mailboxID string, now time.Time) (int, error) {
	var purged int64
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Mailbox{}).Where("id = ?", mailboxID).Update("purged_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}
		del := tx.Where("mailbox_id = ?", mailboxID).Delete(&domain.Message{})
		if del.Error != nil {
			return del.Error
		}
		purged = del.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(purged), nil
}

// ========== 域名 ==========

// UpsertDomain 按名称写入域名。
func (s *Store) UpsertDomain(ctx context.Context, d *domain.Domain) error {
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Domain
		err := tx.Where("name = ?", d.Name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(d).Error
		}
		if err != nil {
			return err
		}
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		return tx.Model(&domain.Domain{}).Where("id = ?", existing.ID).Update("active", d.Active).Error
	})
}

// ListDomains 列出域名。
func (s *Store) ListDomains(ctx context.Context, activeOnly bool) ([]domain.Domain, error) {
	var list []domain.Domain
	q := s.gormDB.WithContext(ctx).Order("name ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return list, nil
}
