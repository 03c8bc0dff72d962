package httptransport

import (
	"github.com/gin-gonic/gin"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/middleware"
	"tempmail/inboxd/internal/service"
)

type sendMessageRequest struct {
	To      []string `json:"to" binding:"required"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

type messageListResponse struct {
	Items []domain.Message    `json:"items"`
	Count int                 `json:"count"`
	Stats domain.MailboxStats `json:"stats"`
}

// listMessages godoc
// @Summary 获取邮件列表
// @Description 按接收时间倒序返回，附带统计信息
// @Tags Messages
// @Produce json
// @Param id path string true "邮箱ID"
// @Success 200 {object} Response{data=messageListResponse}
// @Router /v1/mailboxes/{id}/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.messages.List(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, messageListResponse{
		Items: messages,
		Count: len(messages),
		Stats: domain.ComputeStats(messages),
	})
}

func (h *Handler) mailboxStats(c *gin.Context) {
	stats, err := h.messages.Stats(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, stats)
}

// sendMessage godoc
// @Summary 从邮箱发出邮件
// @Description 投递成功后记录为已发送邮件，投递失败时不记录
// @Tags Messages
// @Accept json
// @Produce json
// @Param id path string true "邮箱ID"
// @Param request body sendMessageRequest true "邮件内容"
// @Success 201 {object} Response{data=domain.Message}
// @Failure 502 {object} Response
// @Failure 507 {object} Response
// @Router /v1/mailboxes/{id}/messages [post]
func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	msg, err := h.messages.AppendSent(c.Request.Context(), service.SendInput{
		OwnerID:   middleware.OwnerID(c),
		MailboxID: c.Param("id"),
		To:        req.To,
		Cc:        req.Cc,
		Bcc:       req.Bcc,
		Subject:   req.Subject,
		Text:      req.Text,
		HTML:      req.HTML,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, msg)
}

func (h *Handler) simulateIncoming(c *gin.Context) {
	msg, err := h.messages.SimulateIncoming(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, msg)
}

func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, msg)
}

// markMessageRead 标记已读，重复调用返回相同结果
func (h *Handler) markMessageRead(c *gin.Context) {
	msg, err := h.messages.MarkRead(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, msg)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), middleware.OwnerID(c), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	NoContent(c)
}
