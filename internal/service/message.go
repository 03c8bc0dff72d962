package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/outbound"
	"tempmail/inboxd/internal/storage"
)

// MessageService 封装邮件收发与状态变更。
type MessageService struct {
	store   storage.Store
	gateway outbound.Gateway
	policy  domain.CapacityPolicy
	random  *randomSource
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewMessageService 创建邮件业务服务。metrics 可以为 nil。
func NewMessageService(store storage.Store, gateway outbound.Gateway, policy domain.CapacityPolicy, metrics *monitoring.Metrics, log *zap.Logger) *MessageService {
	if !policy.Valid() {
		policy = domain.CapacityReject
	}
	return &MessageService{
		store:   store,
		gateway: gateway,
		policy:  policy,
		random:  newRandomSource(0),
		metrics: metrics,
		log:     log.Named("message"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// InboundInput 入站网关提交的邮件
type InboundInput struct {
	To          string
	From        string
	Cc          []string
	Subject     string
	Text        string
	HTML        string
	MessageID   string
	Headers     map[string]string
	Attachments []domain.Attachment
	Date        *time.Time
}

// AppendReceived 把入站邮件写入对应的有效邮箱。
//
// 地址没有匹配的有效邮箱返回 ErrMailboxNotFound；已过期但尚未被清理返回 ErrMailboxExpired；
// 容量已满时按策略拒收或淘汰最早的邮件。
func (s *MessageService) AppendReceived(ctx context.Context, in InboundInput) (*domain.Message, error) {
	address := domain.NormalizeAddress(in.To)
	mailbox, err := s.store.GetActiveMailboxByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			s.metrics.RecordMessageRejected("not_found")
		}
		return nil, err
	}
	now := s.now()
	if mailbox.IsExpired(now) {
		s.metrics.RecordMessageRejected("expired")
		return nil, ErrMailboxExpired
	}

	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = domain.DefaultSubject
	}
	receivedAt := now
	if in.Date != nil && !in.Date.IsZero() {
		receivedAt = in.Date.UTC()
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		MailboxID:   mailbox.ID,
		MessageID:   in.MessageID,
		Direction:   domain.DirectionReceived,
		From:        strings.TrimSpace(in.From),
		To:          []string{mailbox.Address},
		Cc:          in.Cc,
		Subject:     subject,
		BodyText:    in.Text,
		BodyHTML:    in.HTML,
		Attachments: in.Attachments,
		Headers:     in.Headers,
		ReceivedAt:  receivedAt,
	}

	if err := s.append(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrMailboxFull) {
			s.metrics.RecordMessageRejected("full")
		}
		return nil, err
	}
	s.log.Debug("message received",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("message_id", msg.ID),
	)
	return msg, nil
}

// SendInput 所有者发出的邮件
type SendInput struct {
	OwnerID   string
	MailboxID string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Text      string
	HTML      string
}

// AppendSent 通过发件网关发送，成功后记录为已发送邮件。投递失败时不记录。
func (s *MessageService) AppendSent(ctx context.Context, in SendInput) (*domain.Message, error) {
	mailbox, err := s.ownedMailbox(ctx, in.OwnerID, in.MailboxID)
	if err != nil {
		return nil, err
	}
	if !mailbox.Active {
		return nil, ErrMailboxNotFound
	}
	if mailbox.IsExpired(s.now()) {
		return nil, ErrMailboxExpired
	}

	to, err := normalizeRecipients(in.To, true)
	if err != nil {
		return nil, err
	}
	cc, err := normalizeRecipients(in.Cc, false)
	if err != nil {
		return nil, err
	}
	bcc, err := normalizeRecipients(in.Bcc, false)
	if err != nil {
		return nil, err
	}

	// 发送前的容量预检只为避免无效投递，并发追加仍以存储层的约束为准
	if s.policy == domain.CapacityReject {
		count, err := s.store.CountMessages(ctx, mailbox.ID)
		if err != nil {
			return nil, err
		}
		if count >= mailbox.Capacity() {
			return nil, ErrMailboxFull
		}
	}

	providerID, err := s.gateway.Send(ctx, outbound.Outgoing{
		From:     mailbox.Address,
		FromName: mailbox.DisplayName,
		To:       to,
		Cc:       cc,
		Bcc:      bcc,
		Subject:  in.Subject,
		Text:     in.Text,
		HTML:     in.HTML,
	})
	if err != nil {
		s.metrics.RecordOutboundSend("failure")
		s.log.Warn("outbound send failed", zap.String("mailbox_id", mailbox.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	s.metrics.RecordOutboundSend("success")

	msg := &domain.Message{
		ID:         uuid.NewString(),
		MailboxID:  mailbox.ID,
		MessageID:  providerID,
		Direction:  domain.DirectionSent,
		From:       mailbox.Address,
		To:         to,
		Cc:         cc,
		Bcc:        bcc,
		Subject:    in.Subject,
		BodyText:   in.Text,
		BodyHTML:   in.HTML,
		ReceivedAt: s.now(),
		IsRead:     true,
	}
	if err := s.append(ctx, msg); err != nil {
		s.log.Error("sent message not recorded",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("provider_id", providerID),
			zap.Error(err),
		)
		return nil, err
	}
	return msg, nil
}

// MarkRead 标记已读，对已读邮件重复调用不报错。
func (s *MessageService) MarkRead(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	if _, err := s.ownedMessage(ctx, ownerID, id); err != nil {
		return nil, err
	}
	msg, changed, err := s.store.MarkMessageRead(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.metrics.RecordMessageRead()
	}
	return msg, nil
}

// Delete 删除邮件。正在显示该邮件的视图会通过变更通道收到通知。
func (s *MessageService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.ownedMessage(ctx, ownerID, id); err != nil {
		return err
	}
	if _, err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordMessageDeleted()
	return nil
}

// Get 获取邮件。
func (s *MessageService) Get(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	return s.ownedMessage(ctx, ownerID, id)
}

// List 按接收时间倒序列出邮件。
func (s *MessageService) List(ctx context.Context, ownerID, mailboxID string) ([]domain.Message, error) {
	if _, err := s.ownedMailbox(ctx, ownerID, mailboxID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, mailboxID)
}

// Stats 统计邮箱的邮件数量，每次读取时计算。
func (s *MessageService) Stats(ctx context.Context, ownerID, mailboxID string) (domain.MailboxStats, error) {
	msgs, err := s.List(ctx, ownerID, mailboxID)
	if err != nil {
		return domain.MailboxStats{}, err
	}
	return domain.ComputeStats(msgs), nil
}

var (
	sampleSenders = []string{
		"newsletter@example.com",
		"support@service.com",
		"noreply@company.org",
		"alerts@bank.com",
		"notifications@social.net",
	}
	sampleSubjects = []string{
		"Welcome to our service!",
		"Your account has been verified",
		"Monthly newsletter",
		"Security alert",
		"Special offer just for you",
		"Password reset request",
		"Invoice #12345",
		"Meeting reminder",
	}
	sampleBodies = []string{
		"Thank you for signing up! We're excited to have you on board.",
		"Your account verification is complete. You can now access all features.",
		"Here's what's new this month in our newsletter...",
		"We detected a login from a new device. If this wasn't you, please contact support.",
		"Don't miss out on our special 50% discount offer!",
		"Click here to reset your password: [Reset Link]",
		"Your invoice for this month is ready for download.",
		"Reminder: You have a meeting scheduled for tomorrow at 2 PM.",
	}
)

// SimulateIncoming 向邮箱投递一封示例邮件，用于开发调试。
func (s *MessageService) SimulateIncoming(ctx context.Context, ownerID, mailboxID string) (*domain.Message, error) {
	mailbox, err := s.ownedMailbox(ctx, ownerID, mailboxID)
	if err != nil {
		return nil, err
	}
	if !mailbox.Active {
		return nil, ErrMailboxNotFound
	}
	return s.AppendReceived(ctx, InboundInput{
		To:      mailbox.Address,
		From:    s.random.pick(sampleSenders),
		Subject: s.random.pick(sampleSubjects),
		Text:    s.random.pick(sampleBodies),
	})
}

func (s *MessageService) append(ctx context.Context, msg *domain.Message) error {
	evicted, err := s.store.AppendMessage(ctx, msg, s.policy)
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		s.metrics.RecordMessagesEvicted(len(evicted))
		s.log.Info("evicted oldest messages",
			zap.String("mailbox_id", msg.MailboxID),
			zap.Int("count", len(evicted)),
		)
	}
	s.metrics.RecordMessageStored(string(msg.Direction))
	return nil
}

func (s *MessageService) ownedMailbox(ctx context.Context, ownerID, id string) (*domain.Mailbox, error) {
	mailbox, err := s.store.GetMailbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID == "" || mailbox.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}
	return mailbox, nil
}

func (s *MessageService) ownedMessage(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedMailbox(ctx, ownerID, msg.MailboxID); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func normalizeRecipients(list []string, required bool) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := domain.ValidateRecipient(addr); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, addr)
		}
		out = append(out, addr)
	}
	if required && len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRecipient)
	}
	return out, nil
}
