package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/finflow/types"
)

// tokenClaims 会话令牌的 JWT claims。
type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken 为会话签发 HS256 JWT，subject 为会话 ID。
func (s *Service) IssueToken(sess *Session) (string, error) {
	if s.cfg.TokenSecret == "" {
		return "", fmt.Errorf("token secret not configured")
	}

	now := s.now().UTC()
	claims := tokenClaims{
		UserID: sess.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifyToken 校验会话令牌并返回其承载的会话 ID。
// 令牌有效但会话已不存在/过期时返回 SESSION_EXPIRED。
func (s *Service) VerifyToken(tokenStr string) (string, error) {
	if s.cfg.TokenSecret == "" {
		return "", fmt.Errorf("token secret not configured")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(token *jwt.Token) (any, error) {
			if token.Method.Alg() != "HS256" {
				return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
			}
			return []byte(s.cfg.TokenSecret), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", types.NewError(types.ErrAuthentication, "invalid session token").WithCause(err)
	}

	if _, ok := s.Get(claims.Subject); !ok {
		return "", types.NewError(types.ErrSessionExpired,
			fmt.Sprintf("session %q unknown or expired", claims.Subject))
	}
	return claims.Subject, nil
}
