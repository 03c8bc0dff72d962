package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	service.ErrDuplicateAddress:    "邮箱地址已被占用",
	service.ErrDomainInvalid:       "域名不可用",
	service.ErrUsernameInvalid:     "用户名格式无效",
	service.ErrMailboxNotFound:     "邮箱不存在",
	service.ErrMailboxExpired:      "邮箱已过期",
	service.ErrMailboxFull:         "邮箱容量已满",
	service.ErrMessageNotFound:     "邮件不存在",
	service.ErrUnauthorized:        "无权访问该邮箱",
	service.ErrTransportFailure:    "邮件投递失败，请稍后重试",
	service.ErrSubscriptionFailure: "实时订阅暂不可用",
	service.ErrInvalidHours:        "续期时长无效",
	service.ErrInvalidRecipient:    "收件人地址无效",
}

// 业务错误到业务码，按顺序匹配
var errorStatuses = []struct {
	err    error
	status int
}{
	{service.ErrDuplicateAddress, CodeConflict},
	{service.ErrDomainInvalid, CodeBadRequest},
	{service.ErrUsernameInvalid, CodeBadRequest},
	{service.ErrInvalidHours, CodeBadRequest},
	{service.ErrInvalidRecipient, CodeBadRequest},
	{service.ErrMailboxNotFound, CodeNotFound},
	{service.ErrMessageNotFound, CodeNotFound},
	{service.ErrMailboxExpired, CodeGone},
	{service.ErrMailboxFull, CodeInsufficientStorage},
	{service.ErrUnauthorized, CodeForbidden},
	{service.ErrTransportFailure, CodeBadGateway},
	{service.ErrSubscriptionFailure, CodeServiceUnavailable},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for known, msg := range errorMessages {
		if errors.Is(err, known) {
			return msg
		}
	}
	return MsgInternalError
}

// statusFor 返回业务错误对应的状态码，未知错误返回 500
func statusFor(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return CodeInternalError
}

// respondError 统一输出业务错误
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	if status == CodeInternalError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
		InternalError(c, MsgInternalError)
		return
	}

	msg := GetErrorMessage(err)
	// 参数类错误带上具体原因
	if status == CodeBadRequest {
		msg = msg + ": " + err.Error()
	}
	Error(c, status, msg)
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
