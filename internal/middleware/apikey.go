package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireAPIKey 校验 X-API-Key 请求头。key 为空时不校验。
func RequireAPIKey(key string, log *zap.Logger) gin.HandlerFunc {
	expected := []byte(key)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			abort(c, http.StatusUnauthorized, "缺少 API Key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			log.Warn("api key rejected",
				zap.String("path", c.FullPath()),
				zap.String("ip", c.ClientIP()),
			)
			abort(c, http.StatusForbidden, "API Key无效")
			return
		}
		c.Next()
	}
}
