// Package feed 在存储写入成功后向变更通道发布行变更。
package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/storage"
)

// Store 发布变更的存储装饰器。发布失败只记录日志，不影响写入结果。
type Store struct {
	storage.Store
	pub realtime.Publisher
	log *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 包装存储实例
func NewStore(inner storage.Store, pub realtime.Publisher, log *zap.Logger) *Store {
	return &Store{Store: inner, pub: pub, log: log.Named("feed")}
}

func (s *Store) publish(ctx context.Context, c realtime.Change) {
	// 写入已提交，请求取消不应阻止通知
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	if err := s.pub.Publish(ctx, c); err != nil {
		s.log.Warn("publish change failed",
			zap.String("table", string(c.Table)),
			zap.String("type", string(c.Type)),
			zap.String("mailbox_id", c.MailboxID),
			zap.Error(err),
		)
	}
}

// CreateMailbox 保存邮箱并发布插入事件
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if err := s.Store.CreateMailbox(ctx, mailbox); err != nil {
		return err
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeInsert, realtime.TableMailboxes, mailbox.ID, mailbox.ID, mailbox))
	return nil
}

// ExtendMailbox 延期并发布更新事件
func (s *Store) ExtendMailbox(ctx context.Context, id string, expiresAt time.Time) (*domain.Mailbox, error) {
	mailbox, err := s.Store.ExtendMailbox(ctx, id, expiresAt)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeUpdate, realtime.TableMailboxes, id, id, mailbox))
	return mailbox, nil
}

// DeactivateMailbox 停用邮箱，仅在状态变化时发布
func (s *Store) DeactivateMailbox(ctx context.Context, id string, now time.Time) (bool, error) {
	changed, err := s.Store.DeactivateMailbox(ctx, id, now)
	if err != nil || !changed {
		return changed, err
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeUpdate, realtime.TableMailboxes, id, id, map[string]interface{}{
		"active":        false,
		"deactivatedAt": now,
	}))
	return true, nil
}

// DeleteMailbox 删除邮箱并发布删除事件
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	if err := s.Store.DeleteMailbox(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeDelete, realtime.TableMailboxes, id, id, nil))
	return nil
}

// AppendMessage 保存邮件，先为被淘汰的邮件发布删除事件，再发布插入事件
func (s *Store) AppendMessage(ctx context.Context, message *domain.Message, policy domain.CapacityPolicy) ([]string, error) {
	evicted, err := s.Store.AppendMessage(ctx, message, policy)
	if err != nil {
		return nil, err
	}
	for _, id := range evicted {
		s.publish(ctx, realtime.NewChange(realtime.ChangeDelete, realtime.TableMessages, message.MailboxID, id, nil))
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeInsert, realtime.TableMessages, message.MailboxID, message.ID, message))
	return evicted, nil
}

// MarkMessageRead 标记已读，重复标记不发布
func (s *Store) MarkMessageRead(ctx context.Context, id string) (*domain.Message, bool, error) {
	msg, changed, err := s.Store.MarkMessageRead(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.publish(ctx, realtime.NewChange(realtime.ChangeUpdate, realtime.TableMessages, msg.MailboxID, msg.ID, map[string]bool{"isRead": true}))
	}
	return msg, changed, nil
}

// DeleteMessage 删除邮件并发布删除事件
func (s *Store) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.Store.DeleteMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.NewChange(realtime.ChangeDelete, realtime.TableMessages, msg.MailboxID, msg.ID, nil))
	return msg, nil
}

// PurgeMessages 清除邮件，RecordID 为空表示整箱删除
func (s *Store) PurgeMessages(ctx context.Context, mailboxID string, now time.Time) (int, error) {
	n, err := s.Store.PurgeMessages(ctx, mailboxID, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, realtime.NewChange(realtime.ChangeDelete, realtime.TableMessages, mailboxID, "", nil))
	}
	return n, nil
}
