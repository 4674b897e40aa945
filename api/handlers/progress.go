package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/stream"
	"github.com/BaSui01/finflow/types"
)

// =============================================================================
// 📡 进度订阅 Handler（WebSocket 握手端点）
// =============================================================================

// WSConfig 订阅连接配置
type WSConfig struct {
	// 心跳应答超过该间隔仍未返回的连接视为空闲，以 4408 主动关闭。
	// 应答的 pong 也算流量：订阅端不发应用消息不会被误杀。
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 服务端心跳间隔
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
}

// DefaultWSConfig 返回默认订阅连接配置
func DefaultWSConfig() WSConfig {
	return WSConfig{
		IdleTimeout:  90 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// ProgressHandler 进度订阅处理器
type ProgressHandler struct {
	registry  *progress.Registry
	authority progress.SessionAuthority
	cfg       WSConfig
	logger    *zap.Logger
}

// NewProgressHandler 创建进度订阅处理器
func NewProgressHandler(registry *progress.Registry, authority progress.SessionAuthority, cfg WSConfig, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultWSConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &ProgressHandler{
		registry:  registry,
		authority: authority,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "progress_handler")),
	}
}

// HandleSubscribe 处理 GET /ws/progress/{session_id}
// @Summary 订阅会话的实时进度推送
// @Description 升级为 WebSocket；会话无效以 4401 关闭，连接数超限以 4429 关闭
// @Tags 进度
// @Router /ws/progress/{session_id} [get]
func (h *ProgressHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "missing session_id"), h.logger)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	conn := stream.NewWSConn(wsConn, h.logger)

	// 注册前由注册表咨询会话裁决方；被拒绝的连接已带原因码关闭
	if err := h.registry.Register(conn, sessionID); err != nil {
		h.logger.Info("handshake rejected",
			zap.String("session_id", sessionID),
			zap.String("code", string(types.GetErrorCode(err))),
		)
		return
	}
	// 任何退出路径上恰好注销一次（Unregister 本身幂等）
	defer h.registry.Unregister(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 空闲检测完全由心跳承担：pong 应答本身就是流量，
	// 只有 IdleTimeout 内都等不到应答的对端才会被关闭
	go h.keepAlive(ctx, conn, sessionID)

	// 读循环只负责感知断开，入站消息不做解释
	for {
		if _, err := conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				h.logger.Info("client disconnected", zap.String("session_id", sessionID))
			case ctx.Err() != nil:
				// 服务端收尾中，连接错误是预期内的
			default:
				h.logger.Info("connection closed",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// keepAlive 周期性发送协议层心跳。pong 在 IdleTimeout 内未返回即判定
// 对端失活，以 4408 关闭；读循环随之退出并注销连接。
func (h *ProgressHandler) keepAlive(ctx context.Context, conn *stream.WSConn, sessionID string) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ping 在对端应答 pong 后才完成。用自己的定时器等待，
			// 这样超时后还来得及在传输层断开前写出 4408 关闭帧
			pingDone := make(chan error, 1)
			go func() { pingDone <- conn.Ping(ctx) }()

			idle := time.NewTimer(h.cfg.IdleTimeout)
			select {
			case err := <-pingDone:
				idle.Stop()
				if err != nil {
					if ctx.Err() == nil {
						_ = conn.Close(progress.CloseCodeIdleTimeout, "liveness probe failed")
					}
					return
				}
			case <-idle.C:
				h.logger.Info("closing idle connection", zap.String("session_id", sessionID))
				_ = conn.Close(progress.CloseCodeIdleTimeout, "idle timeout")
				return
			case <-ctx.Done():
				idle.Stop()
				return
			}
		}
	}
}
