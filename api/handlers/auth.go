package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/finflow/session"
	"github.com/BaSui01/finflow/types"
)

// =============================================================================
// 🔑 会话签发 Handler
// =============================================================================

// AuthHandler 会话签发处理器
type AuthHandler struct {
	sessions *session.Service
	logger   *zap.Logger
}

// NewAuthHandler 创建会话签发处理器
func NewAuthHandler(sessions *session.Service, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		sessions: sessions,
		logger:   logger.With(zap.String("component", "auth_handler")),
	}
}

// SessionResponse 会话签发响应
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleCreateSession 处理 POST /auth/session
// @Summary 用 API key 换取会话
// @Description 请求头 X-API-Key 携带密钥；返回会话 ID 与可选的 JWT 令牌
// @Tags 认证
// @Produce json
// @Success 200 {object} Response "会话信息"
// @Failure 401 {object} Response "API key 无效"
// @Router /auth/session [post]
func (h *AuthHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing X-API-Key header"), h.logger)
		return
	}

	sess, err := h.sessions.CreateFromAPIKey(apiKey)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	resp := SessionResponse{
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	}
	if token, err := h.sessions.IssueToken(sess); err == nil {
		resp.Token = token
	}

	WriteSuccess(w, resp)
}
