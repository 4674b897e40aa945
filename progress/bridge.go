package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/finflow/types"
)

// Broadcaster 将一份快照扇出给某个会话的所有订阅连接。
// Registry 提供本地实现；internal/pubsub 提供跨进程的 Redis 实现。
type Broadcaster interface {
	Broadcast(ctx context.Context, update *Update) error
}

// BridgeConfig 投递桥配置
type BridgeConfig struct {
	// 等待投递的快照队列上限
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// 单次扇出的超时
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout" json:"broadcast_timeout"`
}

// DefaultBridgeConfig 返回默认投递桥配置
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		QueueSize:        256,
		BroadcastTimeout: 10 * time.Second,
	}
}

// BridgeMetrics 投递桥指标回调，由 internal/metrics 实现。
type BridgeMetrics interface {
	SnapshotDropped(transactionID string)
	SnapshotDispatched()
}

// Bridge 是同步执行域与异步投递域之间唯一的交汇点。
// Notify 由工作流 goroutine 同步调用，在有界时间内完成入队并返回；
// 专属的 dispatcher goroutine 负责实际扇出，慢连接不会拖慢工作流。
//
// 队列溢出时丢弃同事务最旧的待投递快照（没有同事务项时丢最旧项），
// 只记日志与指标，从不向调用方抛错——订阅端的下一次推送或重连后的
// 快照拉取会重新对齐状态。同事务的快照保持 Notify 调用顺序投递。
type Bridge struct {
	mu    sync.Mutex
	queue []*Update

	cfg     BridgeConfig
	target  Broadcaster
	metrics BridgeMetrics
	logger  *zap.Logger

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBridge 创建投递桥并启动 dispatcher goroutine。metrics 可以为 nil。
func NewBridge(target Broadcaster, cfg BridgeConfig, metrics BridgeMetrics, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBridgeConfig().QueueSize
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = DefaultBridgeConfig().BroadcastTimeout
	}
	b := &Bridge{
		cfg:     cfg,
		target:  target,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "delivery_bridge")),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Notify 实现 Notifier。无论订阅端多慢都在有界时间内返回。
func (b *Bridge) Notify(update *Update) {
	if update == nil {
		return
	}

	b.mu.Lock()
	if len(b.queue) >= b.cfg.QueueSize {
		dropped := b.dropOldestLocked(update.TransactionID)
		b.logger.Warn("delivery backlog overflow, dropping oldest snapshot",
			zap.String("transaction_id", dropped.TransactionID),
			zap.Int("queue_size", b.cfg.QueueSize),
			zap.Error(types.NewError(types.ErrBacklogOverflow, "delivery queue full")),
		)
		if b.metrics != nil {
			b.metrics.SnapshotDropped(dropped.TransactionID)
		}
	}
	b.queue = append(b.queue, update)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dropOldestLocked 移除同事务最旧的待投递快照并返回它；
// 队列中没有该事务的项时移除队头。
func (b *Bridge) dropOldestLocked(transactionID string) *Update {
	idx := 0
	for i, u := range b.queue {
		if u.TransactionID == transactionID {
			idx = i
			break
		}
	}
	dropped := b.queue[idx]
	b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
	return dropped
}

// Stop 停止 dispatcher。已入队但尚未投递的快照被丢弃。
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bridge) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			update := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.BroadcastTimeout)
			if err := b.target.Broadcast(ctx, update); err != nil {
				b.logger.Warn("broadcast failed",
					zap.String("session_id", update.SessionID),
					zap.String("transaction_id", update.TransactionID),
					zap.Error(err),
				)
			} else if b.metrics != nil {
				b.metrics.SnapshotDispatched()
			}
			cancel()

			select {
			case <-b.done:
				return
			default:
			}
		}
	}
}

// Pending 返回当前待投递的快照数量（测试与指标用）。
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
