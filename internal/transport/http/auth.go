package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "tempmail/inboxd/internal/auth/jwt"
	"tempmail/inboxd/internal/middleware"
)

// AuthHandler 签发所有者令牌
type AuthHandler struct {
	jwtManager *jwtpkg.Manager
	log        *zap.Logger
}

// NewAuthHandler 创建新的认证处理器实例
func NewAuthHandler(jwtManager *jwtpkg.Manager, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		log:        log.Named("auth"),
	}
}

// IssueToken godoc
// @Summary 签发匿名所有者令牌
// @Description 每次调用生成新的所有者身份，客户端保存令牌以访问自己的邮箱
// @Tags 认证
// @Produce json
// @Success 201 {object} Response{data=jwt.Token}
// @Router /v1/auth/token [post]
func (h *AuthHandler) IssueToken(c *gin.Context) {
	token, err := h.jwtManager.Generate("")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Debug("owner token issued", zap.String("owner_id", token.OwnerID))
	Created(c, token)
}

// Me 返回当前令牌对应的所有者
func (h *AuthHandler) Me(c *gin.Context) {
	Success(c, gin.H{"ownerId": middleware.OwnerID(c)})
}
