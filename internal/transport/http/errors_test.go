package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/service"
)

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"地址冲突", service.ErrDuplicateAddress, CodeConflict, "邮箱地址已被占用"},
		{"续期时长带原因", fmt.Errorf("%w: must be between 1 and 168", service.ErrInvalidHours), CodeBadRequest, "续期时长无效: invalid extension hours: must be between 1 and 168"},
		{"邮箱不存在", service.ErrMailboxNotFound, CodeNotFound, "邮箱不存在"},
		{"邮箱过期", service.ErrMailboxExpired, CodeGone, "邮箱已过期"},
		{"容量已满", service.ErrMailboxFull, CodeInsufficientStorage, "邮箱容量已满"},
		{"非所有者", service.ErrUnauthorized, CodeForbidden, "无权访问该邮箱"},
		{"投递失败", fmt.Errorf("%w: timeout", service.ErrTransportFailure), CodeBadGateway, "邮件投递失败，请稍后重试"},
		{"订阅失败", service.ErrSubscriptionFailure, CodeServiceUnavailable, "实时订阅暂不可用"},
		{"未知错误", errors.New("db down"), CodeInternalError, MsgInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			respondError(c, zap.NewNop(), tt.err)

			assert.Equal(t, tt.code, w.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.msg, resp.Msg)
			assert.Nil(t, resp.Data)
		})
	}
}
