// Package httptransport 暴露 /v1 HTTP 接口。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "tempmail/inboxd/internal/auth/jwt"
	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/health"
	"tempmail/inboxd/internal/middleware"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/service"
	"tempmail/inboxd/internal/sweeper"
	"tempmail/inboxd/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MailboxService *service.MailboxService
	MessageService *service.MessageService
	Sweeper        *sweeper.Sweeper
	JWTManager     *jwtpkg.Manager
	WebSocketHub   *websocket.Hub        // 可选
	Health         *health.HealthChecker // 可选
	Metrics        *monitoring.Metrics   // 可选
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	router := gin.New()

	mon := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(mon.PanicRecovery())
	router.Use(mon.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))

	handler := &Handler{
		mailboxes: deps.MailboxService,
		messages:  deps.MessageService,
		log:       log.Named("api"),
	}
	authHandler := NewAuthHandler(deps.JWTManager, log)
	inboundHandler := NewInboundHandler(deps.MessageService, deps.Sweeper, log)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
	createLimit := middleware.NewIPRateLimiter(deps.Config.Mailbox.CreateRate, deps.Config.Mailbox.CreateBurst)
	tokenLimit := middleware.NewIPRateLimiter(deps.Config.Mailbox.CreateRate, deps.Config.Mailbox.CreateBurst)

	// 运维端点
	if deps.Health != nil {
		router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	{
		// ========== Public Routes ==========
		v1.GET("/domains", handler.listDomains)
		v1.POST("/auth/token", tokenLimit.Middleware("token_issue", deps.Metrics), authHandler.IssueToken)
		v1.GET("/auth/me", jwtAuth.RequireAuth(), authHandler.Me)

		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailboxes")
		mailboxRoutes.Use(jwtAuth.RequireAuth())
		{
			mailboxRoutes.POST("", createLimit.Middleware("mailbox_create", deps.Metrics), handler.createMailbox)
			mailboxRoutes.GET("", handler.listMailboxes)
			mailboxRoutes.GET("/:id", handler.getMailbox)
			mailboxRoutes.DELETE("/:id", handler.deleteMailbox)
			mailboxRoutes.POST("/:id/extend", handler.extendMailbox)
			mailboxRoutes.POST("/:id/deactivate", handler.deactivateMailbox)

			mailboxRoutes.GET("/:id/messages", handler.listMessages)
			mailboxRoutes.POST("/:id/messages", handler.sendMessage)
			mailboxRoutes.GET("/:id/stats", handler.mailboxStats)
			mailboxRoutes.POST("/:id/simulate", handler.simulateIncoming)
		}

		// ========== Message Routes ==========
		messageRoutes := v1.Group("/messages")
		messageRoutes.Use(jwtAuth.RequireAuth())
		{
			messageRoutes.GET("/:id", handler.getMessage)
			messageRoutes.POST("/:id/read", handler.markMessageRead)
			messageRoutes.DELETE("/:id", handler.deleteMessage)
		}

		// ========== Gateway Routes ==========
		v1.POST("/inbound", middleware.RequireAPIKey(deps.Config.Server.InboundKey, log), inboundHandler.Receive)

		// ========== Admin Routes ==========
		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(middleware.RequireAPIKey(deps.Config.Server.AdminKey, log))
		{
			adminRoutes.POST("/sweep", inboundHandler.Sweep)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", jwtAuth.RequireAuth(), deps.WebSocketHub.Handler())
		}
	}

	return router
}

// corsConfig 构造 CORS 配置，允许所有来源时关闭凭证支持
func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowCredentials = true
	return cfg
}
