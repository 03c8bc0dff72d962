package service

import (
	"errors"

	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/storage"
)

// 业务错误。存储层的哨兵错误直接沿用，调用方统一用 errors.Is 判断。
var (
	ErrDuplicateAddress    = storage.ErrDuplicateAddress
	ErrMailboxNotFound     = storage.ErrMailboxNotFound
	ErrMessageNotFound     = storage.ErrMessageNotFound
	ErrMailboxFull         = storage.ErrMailboxFull
	ErrSubscriptionFailure = realtime.ErrSubscriptionFailure

	ErrDomainInvalid    = errors.New("domain not available")
	ErrUsernameInvalid  = errors.New("username invalid")
	ErrMailboxExpired   = errors.New("mailbox expired")
	ErrUnauthorized     = errors.New("not the mailbox owner")
	ErrTransportFailure = errors.New("outbound transport failure")
	ErrInvalidHours     = errors.New("invalid extension hours")
	ErrInvalidRecipient = errors.New("invalid recipient")
)
