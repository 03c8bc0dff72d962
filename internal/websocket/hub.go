// Package websocket 把每个连接绑定到一个收件箱视图，向浏览器推送快照。
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/inbox"
	"tempmail/inboxd/internal/middleware"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
	authorizeWait  = 5 * time.Second
)

// MailboxAuthorizer 校验连接所有者对邮箱的访问权
type MailboxAuthorizer interface {
	Get(ctx context.Context, ownerID, id string) (*domain.Mailbox, error)
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	// 客户端消息
	MessageTypeSelect  MessageType = "select"
	MessageTypeRefresh MessageType = "refresh"
	MessageTypeFocus   MessageType = "focus"
	MessageTypePing    MessageType = "ping"

	// 服务端消息
	MessageTypeSnapshot         MessageType = "snapshot"
	MessageTypeSelectionCleared MessageType = "selection_cleared"
	MessageTypeStale            MessageType = "stale"
	MessageTypeError            MessageType = "error"
	MessageTypePong             MessageType = "pong"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	MailboxID string          `json:"mailboxId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options Hub 依赖
type Options struct {
	Manager        *realtime.Manager
	Source         inbox.Source
	Mailboxes      MailboxAuthorizer
	Executor       inbox.Executor
	Metrics        *monitoring.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Hub 管理所有WebSocket连接
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewHub 创建 Hub
func NewHub(opts Options) *Hub {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Hub{
		opts:     opts,
		upgrader: upgraderFactory(opts.AllowedOrigins),
		log:      opts.Logger.Named("websocket"),
		clients:  make(map[string]*Client),
	}
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// Run 等待 ctx 结束后关闭所有连接
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	h.log.Info("websocket hub stopped")
	return nil
}

// Close 关闭所有连接及其视图，之后的握手会被拒绝
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)
}

// Handler 升级连接。路由需先经过 JWT 认证中间件。
func (h *Hub) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ownerID := middleware.OwnerID(ctx)
		if ownerID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "需要登录认证"})
			return
		}

		conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", ctx.Request.Header.Get("Origin")),
				zap.String("remote_addr", ctx.ClientIP()),
			)
			return
		}

		c := &Client{
			ID:      uuid.NewString(),
			OwnerID: ownerID,
			conn:    conn,
			hub:     h,
			send:    make(chan []byte, sendBuffer),
			done:    make(chan struct{}),
		}
		c.log = h.log.With(zap.String("client_id", c.ID), zap.String("owner_id", ownerID))

		var viewOpts []inbox.Option
		if h.opts.Executor != nil {
			viewOpts = append(viewOpts, inbox.WithExecutor(h.opts.Executor))
		}
		c.view = inbox.NewView(h.opts.Manager, h.opts.Source, c, c.log, viewOpts...)

		if !h.register(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		h.opts.Metrics.ViewOpened()
		c.log.Debug("client connected")

		go c.writePump()
		go c.readPump()
	}
}

// Client 代表一个WebSocket客户端连接，拥有一个收件箱视图
type Client struct {
	ID      string
	OwnerID string

	conn *websocket.Conn
	hub  *Hub
	view *inbox.View
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Snapshot 实现 inbox.Sink
func (c *Client) Snapshot(snap inbox.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error("failed to marshal snapshot", zap.Error(err))
		return
	}
	c.enqueue(&Message{Type: MessageTypeSnapshot, MailboxID: snap.MailboxID, Data: data})
}

// SelectionCleared 实现 inbox.Sink
func (c *Client) SelectionCleared(mailboxID, messageID string) {
	c.enqueue(&Message{Type: MessageTypeSelectionCleared, MailboxID: mailboxID, MessageID: messageID})
}

// Stale 实现 inbox.Sink
func (c *Client) Stale(mailboxID string, err error) {
	msg := &Message{Type: MessageTypeStale, MailboxID: mailboxID}
	if err != nil {
		msg.Error = err.Error()
	}
	c.enqueue(msg)
}

// enqueue 非阻塞写入发送队列。视图回调持有视图锁，队列满时断开慢连接。
func (c *Client) enqueue(msg *Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, disconnecting")
		go c.close()
	}
}

func (c *Client) sendError(mailboxID, code, text string) {
	c.enqueue(&Message{Type: MessageTypeError, MailboxID: mailboxID, Code: code, Error: text})
}

// close 关闭连接并归还视图订阅，重复调用安全
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.view.Shutdown()
		c.hub.unregister(c)
		c.hub.opts.Metrics.ViewClosed()
		c.log.Debug("client disconnected")
	})
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSelect:
		c.handleSelect(msg.MailboxID)
	case MessageTypeRefresh:
		c.view.Refresh()
	case MessageTypeFocus:
		if !c.view.Focus(msg.MessageID) {
			c.sendError("", "no_selection", "no mailbox selected")
		}
	case MessageTypePing:
		c.enqueue(&Message{Type: MessageTypePong})
	default:
		c.sendError(msg.MailboxID, "unknown_type", "unknown message type: "+string(msg.Type))
	}
}

func (c *Client) handleSelect(mailboxID string) {
	if mailboxID == "" {
		c.view.Select("")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authorizeWait)
	defer cancel()
	if _, err := c.hub.opts.Mailboxes.Get(ctx, c.OwnerID, mailboxID); err != nil {
		switch {
		case errors.Is(err, service.ErrMailboxNotFound):
			c.sendError(mailboxID, "not_found", "mailbox not found")
		case errors.Is(err, service.ErrUnauthorized):
			c.sendError(mailboxID, "forbidden", "mailbox belongs to another owner")
		default:
			c.log.Error("authorize select failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
			c.sendError(mailboxID, "internal", "failed to open mailbox")
		}
		return
	}
	c.view.Select(mailboxID)
}
