// Package health 提供存活与就绪检查。
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	checkTimeout   = 3 * time.Second
	asyncInterval  = 10 * time.Second
	maxGoroutines  = 10000
	readinessLabel = "readiness"
)

// Pinger 可以探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker 存储层健康检查
type StoreChecker interface {
	Health() error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，默认带有协程数量的存活检查
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger.Named("health"),
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	return hc
}

// AddStore 添加存储就绪检查
func (hc *HealthChecker) AddStore(name string, store StoreChecker) {
	hc.addReadiness(name, store.Health)
}

// AddPinger 添加依赖的就绪检查，带超时
func (hc *HealthChecker) AddPinger(name string, p Pinger) {
	hc.addReadiness(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	})
}

// AddAsyncPinger 添加后台定期执行的就绪检查，请求路径只读取最近一次结果
func (hc *HealthChecker) AddAsyncPinger(ctx context.Context, name string, p Pinger) {
	check := healthcheck.Timeout(func() error {
		return p.Ping(ctx)
	}, checkTimeout)
	hc.addReadiness(name, healthcheck.AsyncWithContext(ctx, check, asyncInterval))
}

func (hc *HealthChecker) addReadiness(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, func() error {
		err := check()
		if err != nil {
			hc.logger.Warn("health check failed",
				zap.String("check", name),
				zap.String("kind", readinessLabel),
				zap.Error(err),
			)
		}
		return err
	})
}

// LiveEndpoint 存活检查，只包含进程自身的检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查，包含全部依赖
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// Handler 返回 heptiolabs 处理器，挂载后提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}
