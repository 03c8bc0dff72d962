package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 监听端口，默认 8080
	ReadTimeout     time.Duration // 读取超时
	WriteTimeout    time.Duration // 写入超时
	IdleTimeout     time.Duration // 空闲连接超时
	ShutdownTimeout time.Duration // 优雅关闭等待时间
	InboundKey      string        // 入站网关密钥 (X-API-Key)，留空不校验
	AdminKey        string        // 管理接口密钥 (X-API-Key)，留空不校验
	MaxBodyBytes    int64         // 请求体大小上限
}

// MailboxConfig 定义邮箱注册表的业务配置
type MailboxConfig struct {
	Domains        []string      // 启动时写入的可用域名
	DefaultTTL     time.Duration // 邮箱默认生存时间
	MaxMessages    int           // 单个邮箱的邮件容量
	MaxExtendHours int           // 单次续期允许的最大小时数
	CapacityPolicy string        // 满容量策略: reject 或 evict_oldest
	CreateRate     float64       // 每个 IP 每秒允许创建的邮箱数
	CreateBurst    int           // 创建限流的突发容量
}

// SweeperConfig 定义过期清理任务配置
type SweeperConfig struct {
	Interval      time.Duration // 扫描间隔，默认 1 分钟
	CascadePolicy string        // 失效后邮件处理策略: retain, immediate, deferred
	GracePeriod   time.Duration // deferred 策略下的保留时长
	BatchSize     int           // 单次扫描最多处理的邮箱数
}

// RealtimeConfig 定义变更订阅配置
type RealtimeConfig struct {
	Backend        string // memory, redis 或 postgres
	Buffer         int    // 每个订阅的事件缓冲
	ReleaseWorkers int    // 异步释放订阅的工作协程数
}

// OutboundConfig 定义发件网关配置
type OutboundConfig struct {
	Provider       string        // log 或 ses
	FromName       string        // 默认发件人显示名
	SESRegion      string        // AWS 区域
	SESAccessKey   string        // AWS 访问密钥
	SESSecretKey   string        // AWS 私钥
	RetryMax       int           // 临时失败的最大重试次数
	RetryBackoff   time.Duration // 首次重试等待时间
	RequestTimeout time.Duration // 单次发送超时
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
	MaxSize     int    // 单个文件大小上限 (MB)
	MaxBackups  int    // 保留的历史文件数
	MaxAge      int    // 历史文件保留天数
	Compress    bool   // 是否压缩历史文件
}

// DatabaseConfig 定义数据库连接配置
type DatabaseConfig struct {
	Driver          string        // memory, postgres 或 mysql
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string        // Redis 服务地址，留空表示不启用
	Password string        // Redis 认证密码
	DB       int           // Redis 数据库编号
	CacheTTL time.Duration // 缓存有效期
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret      string        // JWT 签名密钥，必须至少 32 字符
	Issuer      string        // JWT 签发者标识
	TokenExpiry time.Duration // 令牌有效期
}

// Config 是系统配置的根结构体
type Config struct {
	Server   ServerConfig
	Mailbox  MailboxConfig
	Sweeper  SweeperConfig
	Realtime RealtimeConfig
	Outbound OutboundConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_，例如 TEMPMAIL_SWEEPER_INTERVAL。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	domains := parseDomains(v.GetString("mailbox.domains"))
	if len(domains) == 0 {
		return nil, fmt.Errorf("mailbox.domains must not be empty")
	}

	capacityPolicy := strings.ToLower(v.GetString("mailbox.capacity_policy"))
	if !oneOf(capacityPolicy, "reject", "evict_oldest") {
		return nil, fmt.Errorf("invalid mailbox.capacity_policy %q", capacityPolicy)
	}

	cascadePolicy := strings.ToLower(v.GetString("sweeper.cascade_policy"))
	if !oneOf(cascadePolicy, "retain", "immediate", "deferred") {
		return nil, fmt.Errorf("invalid sweeper.cascade_policy %q", cascadePolicy)
	}

	realtimeBackend := strings.ToLower(v.GetString("realtime.backend"))
	if !oneOf(realtimeBackend, "memory", "redis", "postgres") {
		return nil, fmt.Errorf("invalid realtime.backend %q", realtimeBackend)
	}

	driver := strings.ToLower(v.GetString("database.driver"))
	if !oneOf(driver, "memory", "postgres", "mysql") {
		return nil, fmt.Errorf("invalid database.driver %q", driver)
	}
	if realtimeBackend == "postgres" && driver != "postgres" {
		return nil, fmt.Errorf("realtime.backend postgres requires database.driver postgres")
	}

	provider := strings.ToLower(v.GetString("outbound.provider"))
	if !oneOf(provider, "log", "ses") {
		return nil, fmt.Errorf("invalid outbound.provider %q", provider)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"server.read_timeout", "server.write_timeout", "server.idle_timeout", "server.shutdown_timeout",
		"mailbox.default_ttl", "sweeper.interval", "sweeper.grace_period", "redis.cache_ttl",
		"outbound.retry_backoff", "outbound.request_timeout", "database.conn_max_lifetime", "jwt.token_expiry",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}
	if durations["mailbox.default_ttl"] <= 0 {
		return nil, fmt.Errorf("mailbox.default_ttl must be positive")
	}
	if durations["sweeper.interval"] <= 0 {
		return nil, fmt.Errorf("sweeper.interval must be positive")
	}

	maxMessages := v.GetInt("mailbox.max_messages")
	if maxMessages <= 0 {
		maxMessages = 100
	}

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set TEMPMAIL_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     durations["server.read_timeout"],
			WriteTimeout:    durations["server.write_timeout"],
			IdleTimeout:     durations["server.idle_timeout"],
			ShutdownTimeout: durations["server.shutdown_timeout"],
			InboundKey:      v.GetString("server.inbound_key"),
			AdminKey:        v.GetString("server.admin_key"),
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
		},
		Mailbox: MailboxConfig{
			Domains:        domains,
			DefaultTTL:     durations["mailbox.default_ttl"],
			MaxMessages:    maxMessages,
			MaxExtendHours: v.GetInt("mailbox.max_extend_hours"),
			CapacityPolicy: capacityPolicy,
			CreateRate:     v.GetFloat64("mailbox.create_rate"),
			CreateBurst:    v.GetInt("mailbox.create_burst"),
		},
		Sweeper: SweeperConfig{
			Interval:      durations["sweeper.interval"],
			CascadePolicy: cascadePolicy,
			GracePeriod:   durations["sweeper.grace_period"],
			BatchSize:     v.GetInt("sweeper.batch_size"),
		},
		Realtime: RealtimeConfig{
			Backend:        realtimeBackend,
			Buffer:         v.GetInt("realtime.buffer"),
			ReleaseWorkers: v.GetInt("realtime.release_workers"),
		},
		Outbound: OutboundConfig{
			Provider:       provider,
			FromName:       v.GetString("outbound.from_name"),
			SESRegion:      v.GetString("outbound.ses_region"),
			SESAccessKey:   v.GetString("outbound.ses_access_key"),
			SESSecretKey:   v.GetString("outbound.ses_secret_key"),
			RetryMax:       v.GetInt("outbound.retry_max"),
			RetryBackoff:   durations["outbound.retry_backoff"],
			RequestTimeout: durations["outbound.request_timeout"],
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Driver:          driver,
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			CacheTTL: durations["redis.cache_ttl"],
		},
		JWT: JWTConfig{
			Secret:      jwtSecret,
			Issuer:      v.GetString("jwt.issuer"),
			TokenExpiry: durations["jwt.token_expiry"],
		},
	}

	if cfg.Database.Driver != "memory" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required for driver %s", cfg.Database.Driver)
	}
	if cfg.Realtime.Backend == "redis" && cfg.Redis.Address == "" {
		return nil, fmt.Errorf("realtime.backend redis requires redis.address")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.inbound_key", "")
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.max_body_bytes", 25*1024*1024)
	v.SetDefault("mailbox.domains", "tempmail.dev")
	v.SetDefault("mailbox.default_ttl", "24h")
	v.SetDefault("mailbox.max_messages", 100)
	v.SetDefault("mailbox.max_extend_hours", 168)
	v.SetDefault("mailbox.capacity_policy", "reject")
	v.SetDefault("mailbox.create_rate", 0.2)
	v.SetDefault("mailbox.create_burst", 5)
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("sweeper.cascade_policy", "retain")
	v.SetDefault("sweeper.grace_period", "24h")
	v.SetDefault("sweeper.batch_size", 500)
	v.SetDefault("realtime.backend", "memory")
	v.SetDefault("realtime.buffer", 32)
	v.SetDefault("realtime.release_workers", 4)
	v.SetDefault("outbound.provider", "log")
	v.SetDefault("outbound.from_name", "TempMail")
	v.SetDefault("outbound.ses_region", "us-east-1")
	v.SetDefault("outbound.ses_access_key", "")
	v.SetDefault("outbound.ses_secret_key", "")
	v.SetDefault("outbound.retry_max", 3)
	v.SetDefault("outbound.retry_backoff", "200ms")
	v.SetDefault("outbound.request_timeout", "10s")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "5m")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "tempmail")
	v.SetDefault("jwt.token_expiry", "24h")
}

// Addr 返回 HTTP 监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件，文件不存在时静默忽略。
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
