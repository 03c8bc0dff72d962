package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5322 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	localPartRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)
	domainRegex    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
)

// NormalizeLocalPart 统一为小写并去除空白。
func NormalizeLocalPart(localPart string) string {
	return strings.ToLower(strings.TrimSpace(localPart))
}

// NormalizeAddress 统一邮箱地址格式。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateLocalPart 验证邮箱用户名部分（调用前应先 NormalizeLocalPart）。
func ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomainName 验证域名
func ValidateDomainName(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || len(name) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(name) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateRecipient 验证发件目标地址，只检查格式。
func ValidateRecipient(address string) error {
	address = strings.TrimSpace(address)
	if len(address) > MaxEmailLength {
		return ErrEmailTooLong
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return ErrInvalidEmail
	}
	return nil
}

// SplitAddress 拆分地址为用户名和域名。
func SplitAddress(address string) (string, string, error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", ErrInvalidEmail
	}
	return address[:at], address[at+1:], nil
}
