package config

import (
	"time"

	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/session"
)

// =============================================================================
// ⚙️ 默认配置
// =============================================================================

// DefaultConfig 返回带合理默认值的完整配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Session: session.DefaultConfig(),
		Progress: ProgressConfig{
			Registry:     progress.DefaultRegistryConfig(),
			Bridge:       progress.DefaultBridgeConfig(),
			IdleTimeout:  90 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			DB:            0,
			PoolSize:      10,
			MinIdleConns:  2,
			ChannelPrefix: "progress:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
