package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tempmail/inboxd/internal/cache"
	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/storage"
)

const (
	activeDomainsKey  = "domains:active"
	activeDomainsTTL  = 30 * time.Second
	generatedAttempts = 5
)

// MailboxStore 邮箱服务依赖的存储
type MailboxStore interface {
	storage.MailboxRepository
	storage.DomainRepository
}

// MailboxService 封装邮箱相关业务操作。
type MailboxService struct {
	store   MailboxStore
	cfg     config.MailboxConfig
	domains *cache.LocalCache
	loader  singleflight.Group
	random  *randomSource
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewMailboxService 创建邮箱业务服务。metrics 可以为 nil。
func NewMailboxService(store MailboxStore, cfg config.MailboxConfig, metrics *monitoring.Metrics, log *zap.Logger) *MailboxService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = domain.DefaultMaxMessages
	}
	if cfg.MaxExtendHours <= 0 {
		cfg.MaxExtendHours = 168
	}
	return &MailboxService{
		store:   store,
		cfg:     cfg,
		domains: cache.NewLocalCache(16, activeDomainsTTL),
		random:  newRandomSource(0),
		metrics: metrics,
		log:     log.Named("mailbox"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close 释放后台资源
func (s *MailboxService) Close() {
	s.domains.Close()
}

// CreateMailboxInput 定义创建邮箱所需的输入。
type CreateMailboxInput struct {
	OwnerID     string
	Username    string // 可选，留空时随机生成
	Domain      string // 可选，留空时从有效域名中随机选择
	DisplayName string
	ForwardTo   string
}

// Create 创建新的临时邮箱。
//
// 地址唯一性由存储层的唯一约束在一次插入中保证，不做先查后写。
func (s *MailboxService) Create(ctx context.Context, input CreateMailboxInput) (*domain.Mailbox, error) {
	if input.OwnerID == "" {
		return nil, ErrUnauthorized
	}

	active, err := s.activeDomains(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := s.resolveDomain(input.Domain, active)
	if err != nil {
		return nil, err
	}

	forwardTo := strings.TrimSpace(input.ForwardTo)
	if forwardTo != "" {
		if err := domain.ValidateRecipient(forwardTo); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, forwardTo)
		}
	}

	explicit := strings.TrimSpace(input.Username) != ""
	attempts := 1
	if !explicit {
		attempts = generatedAttempts
	}

	for i := 0; i < attempts; i++ {
		username, err := s.resolveUsername(input.Username)
		if err != nil {
			return nil, err
		}

		mailbox, err := s.newMailbox(input, username, selected, forwardTo)
		if err != nil {
			return nil, err
		}

		err = s.store.CreateMailbox(ctx, mailbox)
		if err == nil {
			s.metrics.RecordMailboxCreated()
			s.log.Info("mailbox created",
				zap.String("mailbox_id", mailbox.ID),
				zap.String("address", mailbox.Address),
				zap.Time("expires_at", mailbox.ExpiresAt),
			)
			return mailbox, nil
		}
		if !errors.Is(err, storage.ErrDuplicateAddress) {
			return nil, fmt.Errorf("create mailbox: %w", err)
		}
		// 随机用户名撞车时换一个再试
	}
	return nil, ErrDuplicateAddress
}

func (s *MailboxService) newMailbox(input CreateMailboxInput, username, domainName, forwardTo string) (*domain.Mailbox, error) {
	address := username + "@" + domainName
	if err := domain.ValidateRecipient(address); err != nil {
		return nil, ErrUsernameInvalid
	}

	now := s.now()
	mailbox := &domain.Mailbox{
		ID:          uuid.NewString(),
		Address:     address,
		LocalPart:   username,
		Domain:      domainName,
		DisplayName: strings.TrimSpace(input.DisplayName),
		ForwardTo:   forwardTo,
		OwnerID:     input.OwnerID,
		MaxMessages: s.cfg.MaxMessages,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.DefaultTTL),
	}
	mailbox.Activate()
	return mailbox, nil
}

// Extend 把过期时间重置为 now + hours，不在原有基础上累加。
//
// 只能续期仍处于有效状态的邮箱，已过期但尚未被清理的邮箱也可以续期。
func (s *MailboxService) Extend(ctx context.Context, ownerID, id string, hours int) (*domain.Mailbox, error) {
	if hours < 1 || hours > s.cfg.MaxExtendHours {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidHours, s.cfg.MaxExtendHours)
	}

	mailbox, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !mailbox.Active {
		return nil, ErrMailboxNotFound
	}

	extended, err := s.store.ExtendMailbox(ctx, id, s.now().Add(time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, err
	}
	s.metrics.RecordMailboxExtended()
	return extended, nil
}

// Deactivate 停用邮箱，邮件的去留由清理策略决定。重复停用不报错。
func (s *MailboxService) Deactivate(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	_, err := s.store.DeactivateMailbox(ctx, id, s.now())
	return err
}

// Delete 删除邮箱及其全部邮件。
func (s *MailboxService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteMailbox(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordMailboxDeleted()
	s.log.Info("mailbox deleted", zap.String("mailbox_id", id))
	return nil
}

// Get 获取所有者的邮箱。
func (s *MailboxService) Get(ctx context.Context, ownerID, id string) (*domain.Mailbox, error) {
	return s.owned(ctx, ownerID, id)
}

// ListActive 返回所有者的有效未过期邮箱，按创建时间倒序。
func (s *MailboxService) ListActive(ctx context.Context, ownerID string) ([]domain.Mailbox, error) {
	return s.store.ListActiveMailboxes(ctx, ownerID, s.now())
}

// ListDomains 列出域名。
func (s *MailboxService) ListDomains(ctx context.Context, activeOnly bool) ([]domain.Domain, error) {
	return s.store.ListDomains(ctx, activeOnly)
}

// SeedDomains 按名称写入可用域名，已存在的域名重新启用。
func (s *MailboxService) SeedDomains(ctx context.Context, names []string) error {
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if err := domain.ValidateDomainName(name); err != nil {
			return fmt.Errorf("seed domain %q: %w", name, err)
		}
		if err := s.store.UpsertDomain(ctx, &domain.Domain{Name: name, Active: true}); err != nil {
			return fmt.Errorf("seed domain %q: %w", name, err)
		}
	}
	s.domains.Delete(activeDomainsKey)
	return nil
}

// owned 读取邮箱并校验所有者
func (s *MailboxService) owned(ctx context.Context, ownerID, id string) (*domain.Mailbox, error) {
	mailbox, err := s.store.GetMailbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID == "" || mailbox.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}
	return mailbox, nil
}

// activeDomains 读取有效域名列表，并发请求合并为一次查询
func (s *MailboxService) activeDomains(ctx context.Context) ([]string, error) {
	if v, ok := s.domains.Get(activeDomainsKey); ok {
		return v.([]string), nil
	}

	v, err, _ := s.loader.Do(activeDomainsKey, func() (interface{}, error) {
		list, err := s.store.ListDomains(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list domains: %w", err)
		}
		names := make([]string, 0, len(list))
		for _, d := range list {
			names = append(names, d.Name)
		}
		s.domains.Set(activeDomainsKey, names, 0)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (s *MailboxService) resolveDomain(requested string, active []string) (string, error) {
	if len(active) == 0 {
		return "", ErrDomainInvalid
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		return s.random.pick(active), nil
	}
	for _, name := range active {
		if name == requested {
			return name, nil
		}
	}
	return "", ErrDomainInvalid
}

func (s *MailboxService) resolveUsername(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return s.random.generateUsername(), nil
	}
	username := domain.NormalizeLocalPart(requested)
	if err := domain.ValidateLocalPart(username); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUsernameInvalid, err)
	}
	return username, nil
}
