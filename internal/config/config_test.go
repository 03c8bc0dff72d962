package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

var envKeys = []string{
	"TEMPMAIL_JWT_SECRET",
	"TEMPMAIL_SERVER_PORT",
	"TEMPMAIL_MAILBOX_DOMAINS",
	"TEMPMAIL_MAILBOX_DEFAULT_TTL",
	"TEMPMAIL_MAILBOX_MAX_MESSAGES",
	"TEMPMAIL_MAILBOX_CAPACITY_POLICY",
	"TEMPMAIL_SWEEPER_INTERVAL",
	"TEMPMAIL_SWEEPER_CASCADE_POLICY",
	"TEMPMAIL_REALTIME_BACKEND",
	"TEMPMAIL_DATABASE_DRIVER",
	"TEMPMAIL_DATABASE_DSN",
	"TEMPMAIL_REDIS_ADDRESS",
	"TEMPMAIL_OUTBOUND_PROVIDER",
	"TEMPMAIL_CORS_ALLOWED_ORIGINS",
}

// resetEnv 清空相关环境变量，并在测试结束后恢复。
func resetEnv(t *testing.T) {
	t.Helper()
	original := make(map[string]string)
	for _, key := range envKeys {
		if value, ok := os.LookupEnv(key); ok {
			original[key] = value
		}
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range envKeys {
			if value, ok := original[key]; ok {
				os.Setenv(key, value)
			} else {
				os.Unsetenv(key)
			}
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
		assert.Equal(t, []string{"tempmail.dev"}, cfg.Mailbox.Domains)
		assert.Equal(t, 24*time.Hour, cfg.Mailbox.DefaultTTL)
		assert.Equal(t, 100, cfg.Mailbox.MaxMessages)
		assert.Equal(t, "reject", cfg.Mailbox.CapacityPolicy)
		assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
		assert.Equal(t, "retain", cfg.Sweeper.CascadePolicy)
		assert.Equal(t, "memory", cfg.Realtime.Backend)
		assert.Equal(t, "memory", cfg.Database.Driver)
		assert.Equal(t, "log", cfg.Outbound.Provider)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, 24*time.Hour, cfg.JWT.TokenExpiry)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		os.Setenv("TEMPMAIL_SERVER_PORT", "9090")
		os.Setenv("TEMPMAIL_MAILBOX_DOMAINS", "Custom.Mail, test.dev")
		os.Setenv("TEMPMAIL_MAILBOX_DEFAULT_TTL", "2h")
		os.Setenv("TEMPMAIL_MAILBOX_MAX_MESSAGES", "5")
		os.Setenv("TEMPMAIL_MAILBOX_CAPACITY_POLICY", "evict_oldest")
		os.Setenv("TEMPMAIL_SWEEPER_INTERVAL", "30s")
		os.Setenv("TEMPMAIL_SWEEPER_CASCADE_POLICY", "deferred")
		os.Setenv("TEMPMAIL_REALTIME_BACKEND", "redis")
		os.Setenv("TEMPMAIL_REDIS_ADDRESS", "localhost:6379")
		os.Setenv("TEMPMAIL_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"custom.mail", "test.dev"}, cfg.Mailbox.Domains)
		assert.Equal(t, 2*time.Hour, cfg.Mailbox.DefaultTTL)
		assert.Equal(t, 5, cfg.Mailbox.MaxMessages)
		assert.Equal(t, "evict_oldest", cfg.Mailbox.CapacityPolicy)
		assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
		assert.Equal(t, "deferred", cfg.Sweeper.CascadePolicy)
		assert.Equal(t, "redis", cfg.Realtime.Backend)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("非法策略失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		os.Setenv("TEMPMAIL_SWEEPER_CASCADE_POLICY", "sometimes")

		cfg, err := Load()
		assert.Nil(t, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sweeper.cascade_policy")
	})

	t.Run("postgres 订阅需要 postgres 数据库", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		os.Setenv("TEMPMAIL_REALTIME_BACKEND", "postgres")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires database.driver postgres")
	})

	t.Run("数据库驱动缺少 DSN 失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		os.Setenv("TEMPMAIL_DATABASE_DRIVER", "mysql")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.dsn is required")
	})

	t.Run("非法时长失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		os.Setenv("TEMPMAIL_SWEEPER_INTERVAL", "soon")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sweeper.interval")
	})

	t.Run("JWT密钥太短失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", "short-key")

		cfg, err := Load()
		assert.Nil(t, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT secret must be at least 32 characters long")
	})

	t.Run("使用默认JWT密钥失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("TEMPMAIL_JWT_SECRET", "change-me-in-production")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be the default value")
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
	assert.Equal(t, []string{"x.dev", "y.dev"}, parseDomains("X.dev,Y.DEV"))
}
