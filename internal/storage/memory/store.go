package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/storage"
)

// Store 使用内存保存邮箱与邮件数据，用于开发验证与测试。
// 所有写操作在同一把锁下完成，因此地址唯一性检查与插入是原子的。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byAddress map[string]string                     // 有效地址 -> mailboxID
	messages  map[string]map[string]*domain.Message // mailboxID -> messageID -> message
	msgIndex  map[string]string                     // messageID -> mailboxID
	domains   map[string]*domain.Domain             // name -> domain
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes: make(map[string]*domain.Mailbox),
		byAddress: make(map[string]string),
		messages:  make(map[string]map[string]*domain.Message),
		msgIndex:  make(map[string]string),
		domains:   make(map[string]*domain.Domain),
	}
}

// CreateMailbox 保存新邮箱。
func (s *Store) CreateMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox.Active {
		if _, taken := s.byAddress[mailbox.Address]; taken {
			return storage.ErrDuplicateAddress
		}
	}
	if _, exists := s.mailboxes[mailbox.ID]; exists {
		return storage.ErrDuplicateAddress
	}

	stored := cloneMailbox(mailbox)
	s.mailboxes[stored.ID] = stored
	if stored.Active {
		s.byAddress[stored.Address] = stored.ID
	}
	s.messages[stored.ID] = make(map[string]*domain.Message)
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return cloneMailbox(mailbox), nil
}

// GetActiveMailboxByAddress 根据完整地址获取有效邮箱。
func (s *Store) GetActiveMailboxByAddress(_ context.Context, address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return cloneMailbox(s.mailboxes[id]), nil
}

// ListActiveMailboxes 返回所有者的有效邮箱。
func (s *Store) ListActiveMailboxes(_ context.Context, ownerID string, now time.Time) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.OwnerID == ownerID && mb.IsLive(now) {
			result = append(result, *cloneMailbox(mb))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ExtendMailbox 重置过期时间。
func (s *Store) ExtendMailbox(_ context.Context, id string, expiresAt time.Time) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok || !mb.Active {
		return nil, storage.ErrMailboxNotFound
	}
	mb.ExpiresAt = expiresAt
	return cloneMailbox(mb), nil
}

// DeactivateMailbox 停用邮箱并释放地址。
func (s *Store) DeactivateMailbox(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return false, storage.ErrMailboxNotFound
	}
	if !mb.Active {
		return false, nil
	}
	delete(s.byAddress, mb.Address)
	mb.Deactivate(now)
	return true, nil
}

// DeleteMailbox 删除邮箱及其邮件。
func (s *Store) DeleteMailbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return storage.ErrMailboxNotFound
	}
	s.deleteMailboxLocked(id)
	return nil
}

func (s *Store) deleteMailboxLocked(id string) {
	mb := s.mailboxes[id]
	if mb.Active && s.byAddress[mb.Address] == id {
		delete(s.byAddress, mb.Address)
	}
	s.purgeMessagesLocked(id)
	delete(s.messages, id)
	delete(s.mailboxes, id)
}

// ListExpiredMailboxes 返回已过期但仍有效的邮箱。
func (s *Store) ListExpiredMailboxes(_ context.Context, now time.Time, limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(limit, func(mb *domain.Mailbox) bool {
		return mb.Active && mb.IsExpired(now)
	}), nil
}

// ListPurgeableMailboxes 返回停用超过宽限期且尚未清除邮件的邮箱。
func (s *Store) ListPurgeableMailboxes(_ context.Context, before time.Time, limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(limit, func(mb *domain.Mailbox) bool {
		return !mb.Active && mb.PurgedAt == nil && mb.DeactivatedAt != nil && !mb.DeactivatedAt.After(before)
	}), nil
}

func (s *Store) collectLocked(limit int, match func(*domain.Mailbox) bool) []domain.Mailbox {
	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if match(mb) {
			result = append(result, *cloneMailbox(mb))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// AppendMessage 在容量约束下保存邮件。
func (s *Store) AppendMessage(_ context.Context, message *domain.Message, policy domain.CapacityPolicy) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[message.MailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	box := s.messages[mb.ID]

	var evicted []string
	if len(box) >= mb.Capacity() {
		if policy != domain.CapacityEvictOldest {
			return nil, storage.ErrMailboxFull
		}
		oldest := sortedLocked(box)
		for len(box) >= mb.Capacity() {
			victim := oldest[len(oldest)-1]
			oldest = oldest[:len(oldest)-1]
			delete(box, victim.ID)
			delete(s.msgIndex, victim.ID)
			evicted = append(evicted, victim.ID)
		}
	}

	stored := cloneMessage(message)
	box[stored.ID] = stored
	s.msgIndex[stored.ID] = mb.ID
	return evicted, nil
}

// GetMessage 获取邮件。
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.lookupLocked(id)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// ListMessages 按接收时间倒序列出邮件。
func (s *Store) ListMessages(_ context.Context, mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.messages[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	sorted := sortedLocked(box)
	result := make([]domain.Message, 0, len(sorted))
	for _, msg := range sorted {
		result = append(result, *cloneMessage(msg))
	}
	return result, nil
}

// CountMessages 统计邮件数。
func (s *Store) CountMessages(_ context.Context, mailboxID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.messages[mailboxID]
	if !ok {
		return 0, storage.ErrMailboxNotFound
	}
	return len(box), nil
}

// MarkMessageRead 标记邮件为已读。
func (s *Store) MarkMessageRead(_ context.Context, id string) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.lookupLocked(id)
	if !ok {
		return nil, false, storage.ErrMessageNotFound
	}
	changed := !msg.IsRead
	msg.IsRead = true
	return cloneMessage(msg), changed, nil
}

// DeleteMessage 删除邮件。
func (s *Store) DeleteMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.lookupLocked(id)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	delete(s.messages[msg.MailboxID], id)
	delete(s.msgIndex, id)
	return cloneMessage(msg), nil
}

// PurgeMessages 清除邮箱全部邮件。
func (s *Store) PurgeMessages(_ context.Context, mailboxID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return 0, storage.ErrMailboxNotFound
	}
	n := s.purgeMessagesLocked(mailboxID)
	mb.PurgedAt = &now
	return n, nil
}

func (s *Store) purgeMessagesLocked(mailboxID string) int {
	box := s.messages[mailboxID]
	for id := range box {
		delete(s.msgIndex, id)
	}
	s.messages[mailboxID] = make(map[string]*domain.Message)
	return len(box)
}

func (s *Store) lookupLocked(id string) (*domain.Message, bool) {
	mailboxID, ok := s.msgIndex[id]
	if !ok {
		return nil, false
	}
	msg, ok := s.messages[mailboxID][id]
	return msg, ok
}

// UpsertDomain 按名称写入域名。
func (s *Store) UpsertDomain(_ context.Context, d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.domains[d.Name]; ok {
		existing.Active = d.Active
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		return nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	copied := *d
	s.domains[d.Name] = &copied
	return nil
}

// ListDomains 列出域名，按名称排序。
func (s *Store) ListDomains(_ context.Context, activeOnly bool) ([]domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if activeOnly && !d.Active {
			continue
		}
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Close 内存存储无需关闭。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储总是健康的。
func (s *Store) Health() error {
	return nil
}

func sortedLocked(box map[string]*domain.Message) []*domain.Message {
	list := make([]*domain.Message, 0, len(box))
	for _, msg := range box {
		list = append(list, msg)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ReceivedAt.Equal(list[j].ReceivedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].ReceivedAt.After(list[j].ReceivedAt)
	})
	return list
}

func cloneMailbox(mb *domain.Mailbox) *domain.Mailbox {
	copied := *mb
	if mb.ActiveAddress != nil {
		addr := *mb.ActiveAddress
		copied.ActiveAddress = &addr
	}
	if mb.DeactivatedAt != nil {
		at := *mb.DeactivatedAt
		copied.DeactivatedAt = &at
	}
	if mb.PurgedAt != nil {
		at := *mb.PurgedAt
		copied.PurgedAt = &at
	}
	return &copied
}

func cloneMessage(msg *domain.Message) *domain.Message {
	copied := *msg
	copied.To = append([]string(nil), msg.To...)
	copied.Cc = append([]string(nil), msg.Cc...)
	copied.Bcc = append([]string(nil), msg.Bcc...)
	copied.Attachments = append([]domain.Attachment(nil), msg.Attachments...)
	if msg.Headers != nil {
		copied.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			copied.Headers[k] = v
		}
	}
	return &copied
}
