// Package pubsub provides the cross-process fan-out path for progress
// snapshots. This package is internal and should not be imported by
// external projects.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
)

// Config Redis pub/sub 配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 频道前缀，会话 ID 追加在后面
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
}

// DefaultConfig 返回默认 pub/sub 配置
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		ChannelPrefix: "progress:",
	}
}

// RedisBroadcaster 把快照广播换成先发布到 Redis pub/sub，每个进程的
// 订阅回路再把消息灌回本进程 Registry 的本地扇出——Tracker 与 Bridge
// 的契约不变，子系统即可横向扩到多个进程。
type RedisBroadcaster struct {
	rdb    *redis.Client
	local  *progress.Registry
	prefix string
	logger *zap.Logger
}

var _ progress.Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster 创建广播器并校验 Redis 连通性。
func NewRedisBroadcaster(cfg Config, local *progress.Registry, logger *zap.Logger) (*RedisBroadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultConfig().ChannelPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBroadcaster{
		rdb:    rdb,
		local:  local,
		prefix: cfg.ChannelPrefix,
		logger: logger.With(zap.String("component", "redis_broadcaster")),
	}, nil
}

// Broadcast 实现 progress.Broadcaster：序列化一次并发布到会话频道。
func (b *RedisBroadcaster) Broadcast(ctx context.Context, update *progress.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+update.SessionID, payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Run 订阅全部会话频道，把收到的消息送入本地 Registry 扇出。
// 阻塞直到 ctx 取消。
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()

	b.logger.Info("subscribed", zap.String("pattern", b.prefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			sessionID := strings.TrimPrefix(msg.Channel, b.prefix)
			b.local.Deliver(ctx, sessionID, []byte(msg.Payload))
		}
	}
}

// Close 释放底层 Redis 连接。
func (b *RedisBroadcaster) Close() error {
	return b.rdb.Close()
}
