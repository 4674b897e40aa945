package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/types"
)

// Session 一个已认证的会话，是工作流运行与订阅连接共同的归属范围。
type Session struct {
	ID           string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Expired 返回会话是否已过期。
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Config 会话服务配置
type Config struct {
	// 会话有效期
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 单会话订阅连接数上限
	ConnectionCap int `yaml:"connection_cap" json:"connection_cap"`

	// 允许换取会话的 API key 列表
	APIKeys []string `yaml:"api_keys" json:"api_keys"`

	// JWT 会话令牌签名密钥
	TokenSecret string `yaml:"token_secret" json:"token_secret"`

	// JWT 会话令牌有效期，默认与 TTL 相同
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// DefaultConfig 返回默认会话配置
func DefaultConfig() Config {
	return Config{
		TTL:           2 * time.Hour,
		ConnectionCap: 8,
	}
}

// Service 内存会话存储，同时充当进度子系统的会话裁决方
// （progress.SessionAuthority）。
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	apiKeys  map[string]struct{}
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService 创建会话服务。
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.ConnectionCap <= 0 {
		cfg.ConnectionCap = DefaultConfig().ConnectionCap
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = cfg.TTL
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Service{
		sessions: make(map[string]*Session),
		apiKeys:  keys,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session_service")),
		now:      time.Now,
	}
}

// Create 为用户创建新会话。
func (s *Service) Create(userID string) *Session {
	now := s.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TTL),
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
	)
	return sess
}

// ValidateAPIKey 校验 API key。
func (s *Service) ValidateAPIKey(apiKey string) bool {
	_, ok := s.apiKeys[apiKey]
	return ok
}

// CreateFromAPIKey 用 API key 换取会话。
func (s *Service) CreateFromAPIKey(apiKey string) (*Session, error) {
	if !s.ValidateAPIKey(apiKey) {
		s.logger.Warn("invalid api key attempted")
		return nil, types.NewError(types.ErrAuthentication, "invalid api key")
	}
	userID := apiKey
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return s.Create(fmt.Sprintf("user_%s", userID)), nil
}

// Get 按 ID 查找会话。过期会话被惰性删除并按不存在处理。
func (s *Service) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if sess.Expired(s.now().UTC()) {
		s.Delete(sessionID)
		return nil, false
	}
	return sess, true
}

// Touch 刷新会话的最近活动时间。
func (s *Service) Touch(sessionID string) {
	now := s.now().UTC()
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivity = now
	}
	s.mu.Unlock()
}

// Delete 删除会话。
func (s *Service) Delete(sessionID string) {
	s.mu.Lock()
	_, existed := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if existed {
		s.logger.Info("session deleted", zap.String("session_id", sessionID))
	}
}

// IsValid 实现 progress.SessionAuthority。
func (s *Service) IsValid(sessionID string) bool {
	_, ok := s.Get(sessionID)
	return ok
}

// ConnectionCap 实现 progress.SessionAuthority。
func (s *Service) ConnectionCap() int {
	return s.cfg.ConnectionCap
}
