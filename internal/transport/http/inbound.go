package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/service"
	"tempmail/inboxd/internal/sweeper"
)

// InboundHandler 处理入站网关推送与管理操作
type InboundHandler struct {
	messages *service.MessageService
	sweeper  *sweeper.Sweeper
	log      *zap.Logger
}

// NewInboundHandler 创建入站处理器
func NewInboundHandler(messages *service.MessageService, sw *sweeper.Sweeper, log *zap.Logger) *InboundHandler {
	return &InboundHandler{
		messages: messages,
		sweeper:  sw,
		log:      log.Named("inbound"),
	}
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type inboundRequest struct {
	To          string              `json:"to" binding:"required"`
	From        string              `json:"from" binding:"required"`
	Cc          []string            `json:"cc"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	MessageID   string              `json:"messageId"`
	Headers     map[string]string   `json:"headers"`
	Attachments []attachmentRequest `json:"attachments"`
	Date        *time.Time          `json:"date"`
}

// Receive godoc
// @Summary 入站网关投递
// @Description 未知地址返回 404，过期邮箱返回 410，容量已满返回 507
// @Tags Inbound
// @Accept json
// @Produce json
// @Param request body inboundRequest true "邮件内容"
// @Success 201 {object} Response{data=domain.Message}
// @Router /v1/inbound [post]
func (h *InboundHandler) Receive(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	attachments := make([]domain.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	msg, err := h.messages.AppendReceived(c.Request.Context(), service.InboundInput{
		To:          req.To,
		From:        req.From,
		Cc:          req.Cc,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		MessageID:   req.MessageID,
		Headers:     req.Headers,
		Attachments: attachments,
		Date:        req.Date,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, msg)
}

// Sweep 手动触发一次过期清理
func (h *InboundHandler) Sweep(c *gin.Context) {
	res, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{
		"deactivated": res.Deactivated,
		"purged":      res.Purged,
		"policy":      h.sweeper.Policy(),
	})
}
