package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/finflow/types"
)

// Conn 一条面向消息的订阅连接。一条连接独占地属于一个会话的连接集合，
// 握手成功时加入，断开时移除，不会在会话间迁移。
type Conn interface {
	// Send 推送一条序列化好的消息
	Send(ctx context.Context, payload []byte) error
	// Close 以指定原因码关闭连接
	Close(code int, reason string) error
}

// 握手拒绝使用的应用层关闭码（WebSocket 私有区间 4000-4999）。
const (
	CloseCodeSessionInvalid = 4401 // 会话不存在或已过期
	CloseCodeCapExceeded    = 4429 // 会话连接数达到上限
	CloseCodeIdleTimeout    = 4408 // 空闲超时
	CloseCodeShutdown       = 4503 // 服务端关闭
)

// SessionAuthority 会话有效性与连接上限的外部裁决方（spec §6），
// 由 session 包实现。
type SessionAuthority interface {
	IsValid(sessionID string) bool
	ConnectionCap() int
}

// RegistryConfig 连接注册表配置
type RegistryConfig struct {
	// 运行终态后事务状态的保留宽限期
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// 单连接推送超时，超时按发送失败处理
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`

	// 跟踪器配置，透传给 CreateTracker
	Tracker TrackerConfig `yaml:"tracker" json:"tracker"`
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		GracePeriod: 30 * time.Second,
		SendTimeout: 5 * time.Second,
		Tracker:     DefaultTrackerConfig(),
	}
}

// RegistryMetrics 注册表指标回调，由 internal/metrics 实现。
type RegistryMetrics interface {
	ConnectionRegistered(sessionID string)
	ConnectionUnregistered(sessionID string)
	BroadcastCompleted(receivers int, elapsed time.Duration)
	SendFailed(sessionID string)
}

// Registry 持有会话到订阅连接集合的映射以及事务到跟踪器的映射，
// 是这两份共享可变状态唯一的持有方。结构性修改在短临界区内完成；
// 扇出在临界区外进行，慢连接不会阻塞其它会话的注册与广播。
//
// Registry 是显式构造的实例而非进程级单例，由持有接入端点的组件
// 负责其生命周期，便于在一个测试进程里并存多个独立实例。
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]map[Conn]struct{} // session_id -> 连接集合
	sessions map[Conn]string              // 反向索引，支持无会话参数的 Unregister
	trackers map[string]*Tracker          // transaction_id -> 跟踪器
	timers   map[string]*time.Timer       // transaction_id -> 宽限期清理定时器

	authority SessionAuthority
	notifier  Notifier
	cfg       RegistryConfig
	metrics   RegistryMetrics
	logger    *zap.Logger
}

// NewRegistry 创建连接注册表。metrics 可以为 nil。
func NewRegistry(authority SessionAuthority, cfg RegistryConfig, metrics RegistryMetrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultRegistryConfig().GracePeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultRegistryConfig().SendTimeout
	}
	return &Registry{
		conns:     make(map[string]map[Conn]struct{}),
		sessions:  make(map[Conn]string),
		trackers:  make(map[string]*Tracker),
		timers:    make(map[string]*time.Timer),
		authority: authority,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "progress_registry")),
	}
}

// SetNotifier 注入投递桥。必须在 CreateTracker 之前调用一次；
// 拆开注入是为了打破 Registry 与 Bridge 的相互构造依赖。
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Register 将连接登记到会话的连接集合。会话不存在/已过期或连接数
// 达到上限时，以区分性的原因码关闭连接并返回错误。
func (r *Registry) Register(conn Conn, sessionID string) error {
	if !r.authority.IsValid(sessionID) {
		_ = conn.Close(CloseCodeSessionInvalid, "session unknown or expired")
		return types.NewError(types.ErrSessionUnknown,
			fmt.Sprintf("session %q unknown or expired", sessionID))
	}

	limit := r.authority.ConnectionCap()

	r.mu.Lock()
	set := r.conns[sessionID]
	if limit > 0 && len(set) >= limit {
		r.mu.Unlock()
		_ = conn.Close(CloseCodeCapExceeded, "session connection cap exceeded")
		return types.NewError(types.ErrConnectionCapExceeded,
			fmt.Sprintf("session %q already has %d connections", sessionID, limit))
	}
	if set == nil {
		set = make(map[Conn]struct{})
		r.conns[sessionID] = set
	}
	set[conn] = struct{}{}
	r.sessions[conn] = sessionID
	total := len(set)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionRegistered(sessionID)
	}
	r.logger.Info("connection registered",
		zap.String("session_id", sessionID),
		zap.Int("session_connections", total),
	)
	return nil
}

// Unregister 将连接从其会话的连接集合移除。幂等：重复调用或对
// 已移除的连接调用都是 no-op。
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	sessionID, ok := r.sessions[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, conn)
	if set := r.conns[sessionID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.conns, sessionID)
		}
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionUnregistered(sessionID)
	}
	r.logger.Info("connection unregistered", zap.String("session_id", sessionID))
}

// Broadcast 实现 Broadcaster：序列化一次快照并推送给会话的全部连接。
// 单个连接发送失败只移除该连接，不影响其余连接；Broadcast 本身
// 不把发送失败上抛。
func (r *Registry) Broadcast(ctx context.Context, update *Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	r.Deliver(ctx, update.SessionID, payload)
	return nil
}

// Deliver 将已序列化的消息推送给会话的全部连接。
// 供 Broadcast 与跨进程 pub/sub 订阅回路共用。
func (r *Registry) Deliver(ctx context.Context, sessionID string, payload []byte) {
	// 短临界区内拷贝连接集合，发送在锁外进行
	r.mu.RLock()
	set := r.conns[sessionID]
	targets := make([]Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug("no connections for session", zap.String("session_id", sessionID))
		return
	}

	start := time.Now()
	delivered := 0
	for _, conn := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err := conn.Send(sendCtx, payload)
		cancel()
		if err != nil {
			r.logger.Warn("send failed, removing connection",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			if r.metrics != nil {
				r.metrics.SendFailed(sessionID)
			}
			r.Unregister(conn)
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.BroadcastCompleted(delivered, time.Since(start))
	}
}

// CreateTracker 为一次工作流运行创建并登记跟踪器。运行到达终态后，
// 宽限期一到自动调用 Cleanup。
func (r *Registry) CreateTracker(sessionID, transactionID string) *Tracker {
	tracker := NewTracker(sessionID, transactionID, r.cfg.Tracker, r.currentNotifier(), r.logger)
	tracker.onFinish = func() {
		r.scheduleCleanup(transactionID)
	}

	r.mu.Lock()
	r.trackers[transactionID] = tracker
	r.mu.Unlock()

	r.logger.Info("tracker created",
		zap.String("session_id", sessionID),
		zap.String("transaction_id", transactionID),
	)
	return tracker
}

// Tracker 按事务 ID 查找跟踪器。
func (r *Registry) Tracker(transactionID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[transactionID]
	return t, ok
}

// Cleanup 丢弃事务的全部保留状态。显式调用立即生效，并取消
// 可能还在等待的宽限期定时器。
func (r *Registry) Cleanup(transactionID string) {
	r.mu.Lock()
	if timer, ok := r.timers[transactionID]; ok {
		timer.Stop()
		delete(r.timers, transactionID)
	}
	_, existed := r.trackers[transactionID]
	delete(r.trackers, transactionID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("transaction state cleaned up", zap.String("transaction_id", transactionID))
	}
}

// ConnectionCount 返回会话当前登记的连接数。
func (r *Registry) ConnectionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[sessionID])
}

// Shutdown 关闭全部连接并清空注册状态，用于进程退出。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.sessions))
	for c := range r.sessions {
		conns = append(conns, c)
	}
	r.conns = make(map[string]map[Conn]struct{})
	r.sessions = make(map[Conn]string)
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.trackers = make(map[string]*Tracker)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(CloseCodeShutdown, "server shutting down")
	}
	r.logger.Info("registry shut down", zap.Int("connections_closed", len(conns)))
}

func (r *Registry) currentNotifier() Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifier
}

func (r *Registry) scheduleCleanup(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[transactionID]; !ok {
		return
	}
	if _, ok := r.timers[transactionID]; ok {
		return
	}
	r.timers[transactionID] = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.Cleanup(transactionID)
	})
}
