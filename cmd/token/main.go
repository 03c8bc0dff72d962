package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	jwtpkg "tempmail/inboxd/internal/auth/jwt"
	"tempmail/inboxd/internal/config"
)

// main 使用服务端同一份配置签发所有者令牌，便于调试接口。
func main() {
	owner := flag.String("owner", "", "所有者 ID，留空则随机生成")
	expiry := flag.Duration("expiry", 0, "令牌有效期，默认取配置 jwt.token_expiry")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	ttl := cfg.JWT.TokenExpiry
	if *expiry > 0 {
		ttl = *expiry
	}

	token, err := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl).Generate(*owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 签发令牌失败: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(token); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "expires at %s\n", token.ExpiresAt.Format(time.RFC3339))
}
