package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
)

// ClientState 客户端连接状态机的状态
type ClientState string

const (
	StateConnecting   ClientState = "connecting"
	StateOpen         ClientState = "open"
	StateReconnecting ClientState = "reconnecting"
	StateClosed       ClientState = "closed"
)

// ClientConfig 订阅客户端配置
type ClientConfig struct {
	// 重连退避基准延迟，每次尝试翻倍
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// 退避延迟上限
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// 一轮重连的最大尝试次数，用尽后进入 Closed
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// 单次拨号超时
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// 更新通道缓冲大小
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		DialTimeout: 10 * time.Second,
		BufferSize:  64,
	}
}

// ErrLiveProgressUnavailable 重连尝试用尽后的终态错误。
// 工作流的最终结果仍可通过独立的结果接口获取。
var ErrLiveProgressUnavailable = fmt.Errorf("live progress unavailable: reconnect attempts exhausted")

// Client 订阅一个会话的进度推送，并实现重连状态机
// {Connecting, Open, Reconnecting, Closed}：
//
//   - 任何非手动关闭的断开都进入 Reconnecting，按指数退避
//     （基准延迟逐次翻倍、封顶）重试，至多 MaxAttempts 次，
//     用尽后进入 Closed 并暴露终态错误；
//   - 手动 Close 从任意状态直达 Closed，取消未触发的重试定时器；
//   - 重连始终携带同一个会话 ID，不做字节/消息偏移续传——服务端
//     没有重放缓冲，断线窗口内的推送按设计不可恢复，重连后应
//     通过快照接口重新拉取基线。
type Client struct {
	url    string
	cfg    ClientConfig
	logger *zap.Logger

	updates chan progress.Update

	mu      sync.Mutex
	state   ClientState
	conn    *websocket.Conn
	err     error
	onState func(ClientState)

	done      chan struct{}
	closeOnce sync.Once
	started   bool
}

// NewClient 创建订阅客户端。baseURL 形如 "ws://host:port"，
// 客户端自行拼接 /ws/progress/{session_id} 路径。
func NewClient(baseURL, sessionID string, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultClientConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Client{
		url:     strings.TrimSuffix(baseURL, "/") + "/ws/progress/" + sessionID,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "progress_client"), zap.String("session_id", sessionID)),
		updates: make(chan progress.Update, cfg.BufferSize),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// OnStateChange 注册状态变更回调。必须在 Connect 之前调用。
func (c *Client) OnStateChange(fn func(ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect 启动状态机。立即返回，连接建立与重连都在后台进行。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Updates 返回接收进度快照的通道。客户端进入 Closed 后通道被关闭。
func (c *Client) Updates() <-chan progress.Update {
	return c.updates
}

// State 返回当前状态。
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err 返回终态错误（仅在 Closed 且非手动关闭时非 nil）。
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done 在客户端进入 Closed 后关闭。
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close 手动关闭：从任意状态直达 Closed，取消挂起的重试。
func (c *Client) Close() error {
	var conn *websocket.Conn
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn = c.conn
		c.conn = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		close(c.done)
	})
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// terminate 非手动的终态迁移（重连用尽）。
func (c *Client) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.conn = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) run(ctx context.Context) {
	defer close(c.updates)

	attempt := 0
	for {
		if c.isDone() {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			attempt++
			c.logger.Warn("dial failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Error(err),
			)
			if !c.backoff(ctx, attempt) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		c.conn = conn
		attempt = 0
		c.setStateLocked(StateOpen)
		c.mu.Unlock()
		c.logger.Info("connected")

		// 读循环：出错即进入重连（除非是手动关闭）
		readErr := c.readLoop(ctx, conn)
		if c.isDone() {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		c.logger.Warn("connection lost, reconnecting", zap.Error(readErr))

		attempt++
		if !c.backoff(ctx, attempt) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var update progress.Update
		if err := json.Unmarshal(data, &update); err != nil {
			c.logger.Warn("malformed push message", zap.Error(err))
			continue
		}
		// 自描述消息：未知 type 直接忽略，保证向前兼容
		if update.Type != progress.UpdateType {
			continue
		}

		select {
		case c.updates <- update:
		case <-c.done:
			return fmt.Errorf("client closed")
		default:
			c.logger.Warn("update buffer full, dropping snapshot",
				zap.String("transaction_id", update.TransactionID))
		}
	}
}

// backoff 等待第 attempt 次重试前的退避延迟。
// 返回 false 表示状态机应当终止（手动关闭、上下文取消或尝试用尽）。
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	if attempt > c.cfg.MaxAttempts {
		c.logger.Error("max reconnect attempts reached", zap.Int("attempts", c.cfg.MaxAttempts))
		c.terminate(ErrLiveProgressUnavailable)
		return false
	}

	c.mu.Lock()
	if c.state != StateClosed {
		c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()

	delay := c.cfg.BaseDelay << uint(attempt-1)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.terminate(ctx.Err())
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// setStateLocked 调用方必须持有 c.mu。
func (c *Client) setStateLocked(state ClientState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.onState != nil {
		// 回调在持锁状态下同步执行，注册方不得回调回 Client
		c.onState(state)
	}
}
