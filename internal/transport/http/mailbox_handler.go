package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/middleware"
	"tempmail/inboxd/internal/service"
)

// Handler 聚合邮箱与邮件的 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
	log       *zap.Logger
}

type createMailboxRequest struct {
	Username    string `json:"username"`
	Domain      string `json:"domain"`
	DisplayName string `json:"displayName"`
	ForwardTo   string `json:"forwardTo"`
}

// defaultExtendHours 未指定时长时的续期小时数
const defaultExtendHours = 24

type extendMailboxRequest struct {
	Hours int `json:"hours"`
}

type mailboxListResponse struct {
	Items []domain.Mailbox `json:"items"`
	Count int              `json:"count"`
}

type domainListResponse struct {
	Domains []string `json:"domains"`
	Count   int      `json:"count"`
}

// listDomains godoc
// @Summary 获取可用域名列表
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=domainListResponse}
// @Router /v1/domains [get]
func (h *Handler) listDomains(c *gin.Context) {
	domains, err := h.mailboxes.ListDomains(c.Request.Context(), true)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	Success(c, domainListResponse{Domains: names, Count: len(names)})
}

// createMailbox godoc
// @Summary 创建临时邮箱
// @Description 用户名和域名均可省略，省略时随机生成
// @Tags Mailboxes
// @Accept json
// @Produce json
// @Param request body createMailboxRequest false "邮箱参数"
// @Success 201 {object} Response{data=domain.Mailbox}
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /v1/mailboxes [post]
func (h *Handler) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	// 请求体可以为空
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	mailbox, err := h.mailboxes.Create(c.Request.Context(), service.CreateMailboxInput{
		OwnerID:     middleware.OwnerID(c),
		Username:    req.Username,
		Domain:      req.Domain,
		DisplayName: req.DisplayName,
		ForwardTo:   req.ForwardTo,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, mailbox)
}

// listMailboxes godoc
// @Summary 获取当前所有者的有效邮箱
// @Tags Mailboxes
// @Produce json
// @Success 200 {object} Response{data=mailboxListResponse}
// @Router /v1/mailboxes [get]
func (h *Handler) listMailboxes(c *gin.Context) {
	mailboxes, err := h.mailboxes.ListActive(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, mailboxListResponse{Items: mailboxes, Count: len(mailboxes)})
}

func (h *Handler) getMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, mailbox)
}

// extendMailbox godoc
// @Summary 续期邮箱
// @Description 过期时间重置为当前时间加 hours 小时，hours 缺省为 24
// @Tags Mailboxes
// @Accept json
// @Produce json
// @Param id path string true "邮箱ID"
// @Param request body extendMailboxRequest true "续期时长"
// @Success 200 {object} Response{data=domain.Mailbox}
// @Router /v1/mailboxes/{id}/extend [post]
func (h *Handler) extendMailbox(c *gin.Context) {
	var req extendMailboxRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}
	if req.Hours == 0 {
		req.Hours = defaultExtendHours
	}

	mailbox, err := h.mailboxes.Extend(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), req.Hours)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, mailbox)
}

func (h *Handler) deactivateMailbox(c *gin.Context) {
	ctx := c.Request.Context()
	owner, id := middleware.OwnerID(c), c.Param("id")
	if err := h.mailboxes.Deactivate(ctx, owner, id); err != nil {
		respondError(c, h.log, err)
		return
	}
	mailbox, err := h.mailboxes.Get(ctx, owner, id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, mailbox)
}

func (h *Handler) deleteMailbox(c *gin.Context) {
	if err := h.mailboxes.Delete(c.Request.Context(), middleware.OwnerID(c), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	NoContent(c)
}
