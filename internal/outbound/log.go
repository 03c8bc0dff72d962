package outbound

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogGateway 只记录日志的网关，用于开发环境
type LogGateway struct {
	log *zap.Logger
}

// NewLogGateway 创建日志网关
func NewLogGateway(log *zap.Logger) *LogGateway {
	return &LogGateway{log: log.Named("outbound")}
}

// Send 记录邮件摘要并返回本地生成的消息 ID
func (g *LogGateway) Send(_ context.Context, msg Outgoing) (string, error) {
	id := uuid.NewString()
	g.log.Info("outbound message accepted",
		zap.String("provider_id", id),
		zap.String("from", msg.From),
		zap.Strings("to", msg.To),
		zap.Int("cc", len(msg.Cc)),
		zap.Int("bcc", len(msg.Bcc)),
		zap.String("subject", msg.Subject),
	)
	return id, nil
}
