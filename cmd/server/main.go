package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "tempmail/inboxd/internal/auth/jwt"
	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/health"
	"tempmail/inboxd/internal/logger"
	"tempmail/inboxd/internal/monitoring"
	"tempmail/inboxd/internal/outbound"
	"tempmail/inboxd/internal/pool"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/realtime/pgnotify"
	"tempmail/inboxd/internal/realtime/redisfeed"
	"tempmail/inboxd/internal/service"
	"tempmail/inboxd/internal/storage"
	"tempmail/inboxd/internal/storage/feed"
	"tempmail/inboxd/internal/storage/hybrid"
	"tempmail/inboxd/internal/storage/memory"
	"tempmail/inboxd/internal/storage/postgres"
	"tempmail/inboxd/internal/storage/redis"
	sqlstore "tempmail/inboxd/internal/storage/sql"
	"tempmail/inboxd/internal/sweeper"
	httptransport "tempmail/inboxd/internal/transport/http"
	"tempmail/inboxd/internal/websocket"
)

const releaseQueueSize = 256

// backends 持有启动时建立的外部连接，按相反顺序关闭。
type backends struct {
	store  storage.Store
	broker realtime.Broker
	redis  *redis.Client
	pg     *postgres.Client
}

func (b *backends) close(log *zap.Logger) {
	if b.broker != nil {
		if err := b.broker.Close(); err != nil {
			log.Warn("broker close", zap.Error(err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			log.Warn("store close", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Warn("redis close", zap.Error(err))
		}
	}
	if b.pg != nil {
		b.pg.Close()
	}
}

// main 启动 HTTP API、WebSocket 推送和过期清理任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting inboxd",
		zap.String("log_level", cfg.Log.Level),
		zap.String("database", cfg.Database.Driver),
		zap.String("realtime", cfg.Realtime.Backend),
		zap.String("sweeper_policy", cfg.Sweeper.CascadePolicy),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(log)

	b, err := openBackends(ctx, cfg, healthChecker, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer b.close(log)

	store := feed.NewStore(b.store, b.broker, log)
	manager := realtime.NewManager(b.broker, log, cfg.Realtime.Buffer)
	metrics.RegisterGaugeFunc("tempmail_realtime_channels_open", "Realtime channels currently held by views",
		func() float64 { return float64(manager.Open()) })

	// 释放订阅的工作池独立于信号上下文，需在所有视图关闭后再停止
	releasePool := pool.NewWorkerPool(cfg.Realtime.ReleaseWorkers, releaseQueueSize, log)
	releasePool.Start(context.Background())

	gateway, err := outbound.New(ctx, cfg.Outbound, log)
	if err != nil {
		log.Fatal("failed to initialize outbound gateway", zap.Error(err))
	}

	mailboxService := service.NewMailboxService(store, cfg.Mailbox, metrics, log)
	defer mailboxService.Close()
	if err := mailboxService.SeedDomains(ctx, cfg.Mailbox.Domains); err != nil {
		log.Fatal("failed to seed domains", zap.Error(err))
	}
	messageService := service.NewMessageService(store, gateway,
		domain.CapacityPolicy(cfg.Mailbox.CapacityPolicy), metrics, log)

	sw, err := sweeper.New(store, cfg.Sweeper, metrics, log)
	if err != nil {
		log.Fatal("failed to initialize sweeper", zap.Error(err))
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TokenExpiry)

	wsHub := websocket.NewHub(websocket.Options{
		Manager:        manager,
		Source:         store,
		Mailboxes:      mailboxService,
		Executor:       releasePool,
		Metrics:        metrics,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         log,
	})

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		MessageService: messageService,
		Sweeper:        sw,
		JWTManager:     jwtManager,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	alerts := monitoring.NewAlertManager(log)
	alerts.AddRule(monitoring.StoreHealthRule(b.store))
	alerts.AddRule(monitoring.ChannelLeakRule(manager.Open, wsHub.Count, releasePool.Pending))
	alerts.AddRule(monitoring.ReleaseBacklogRule(releasePool.Pending, releaseQueueSize/2))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		return sw.Run(groupCtx)
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	group.Go(func() error {
		return alerts.Run(groupCtx, time.Minute)
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	// 视图先释放通道，再停工作池与管理器
	wsHub.Close()
	releasePool.Stop()
	if err := manager.Close(); err != nil {
		log.Warn("realtime manager close", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// openBackends 按配置选择存储与变更代理。
func openBackends(ctx context.Context, cfg *config.Config, hc *health.HealthChecker, log *zap.Logger) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		b.close(log)
		return nil, err
	}

	if cfg.Redis.Address != "" {
		rc, err := redis.New(cfg.Redis, log)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		b.redis = rc
		hc.AddPinger("redis", rc)
	}

	switch cfg.Database.Driver {
	case "memory":
		b.store = memory.NewStore()
		log.Info("using memory storage")
	default:
		db, err := sqlstore.NewStore(cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		b.store = db
		if b.redis != nil {
			b.store = hybrid.NewStore(db, redis.NewCache(b.redis, cfg.Redis.CacheTTL), log)
			log.Info("using database storage with redis cache", zap.String("driver", cfg.Database.Driver))
		} else {
			log.Info("using database storage", zap.String("driver", cfg.Database.Driver))
		}
	}
	hc.AddStore("store", b.store)

	switch cfg.Realtime.Backend {
	case "redis":
		b.broker = redisfeed.New(b.redis.Client(), log, cfg.Realtime.Buffer)
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Database, log)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		b.pg = pg
		b.broker = pgnotify.New(pg.Pool(), log, cfg.Realtime.Buffer)
		hc.AddAsyncPinger(ctx, "postgres_listen", pg)
	default:
		b.broker = realtime.NewMemoryBroker(cfg.Realtime.Buffer)
	}

	return b, nil
}
