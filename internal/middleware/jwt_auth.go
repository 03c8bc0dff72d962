package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/auth/jwt"
)

// ContextOwnerID 上下文中保存所有者 ID 的键
const ContextOwnerID = "ownerID"

// JWTAuth JWT认证中间件
type JWTAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(jwtManager *jwt.Manager, log *zap.Logger) *JWTAuth {
	return &JWTAuth{
		jwtManager: jwtManager,
		log:        log.Named("jwt_auth"),
	}
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ja.extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		claims, err := ja.jwtManager.Validate(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "无效的访问令牌"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "登录已过期，请重新获取令牌"
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}

		c.Set(ContextOwnerID, claims.OwnerID)
		c.Next()
	}
}

// OwnerID 返回认证中间件写入的所有者 ID
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextOwnerID)
}

// extractToken 从请求中提取JWT token
func (ja *JWTAuth) extractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// 2. 从 cookie 提取
	if token, err := c.Cookie("access_token"); err == nil && token != "" {
		return token
	}

	// 3. WebSocket 握手无法设置请求头，允许查询参数
	return c.Query("token")
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
