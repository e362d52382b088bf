// Package auth 定义升级期认证契约，并提供基于会话 Cookie 的实现。
// Hub 只消费 (user_id, display_name)，不解释凭证本身。
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ceyewan/genesis/clog"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName 会话 Cookie 名
	DefaultCookieName = "huddle_session"

	maxUserIDChars = 128
	maxNameChars   = 50
)

var (
	// ErrMissingCredential 请求未携带会话 Cookie
	ErrMissingCredential = errors.New("missing session credential")
	// ErrInvalidCredential 凭证无效或已过期
	ErrInvalidCredential = errors.New("invalid session credential")
)

// Identity 认证成功后交给 Hub 的身份
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator 升级期认证契约
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// sessionClaims 会话 Cookie 中的 JWT 声明
type sessionClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// CookieAuthenticator 从会话 Cookie 读取 HS256 JWT：
// sub 为稳定的 user_id，name 为昵称，exp 按标准校验。
type CookieAuthenticator struct {
	cookieName string
	secret     []byte
	logger     clog.Logger
}

// CookieOption 配置 CookieAuthenticator 的选项
type CookieOption func(*CookieAuthenticator)

// WithCookieName 设置会话 Cookie 名
func WithCookieName(name string) CookieOption {
	return func(a *CookieAuthenticator) {
		if name != "" {
			a.cookieName = name
		}
	}
}

// WithAuthLogger 设置日志记录器
func WithAuthLogger(logger clog.Logger) CookieOption {
	return func(a *CookieAuthenticator) {
		a.logger = logger.WithNamespace("auth")
	}
}

// NewCookieAuthenticator 创建基于会话 Cookie 的认证器
func NewCookieAuthenticator(secret []byte, opts ...CookieOption) *CookieAuthenticator {
	a := &CookieAuthenticator{
		cookieName: DefaultCookieName,
		secret:     secret,
		logger:     clog.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate 实现 Authenticator 接口
func (a *CookieAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || cookie.Value == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		a.logger.Warn("session credential rejected",
			clog.String("remote_addr", r.RemoteAddr),
			clog.Error(err))
		return Identity{}, ErrInvalidCredential
	}

	userID := claims.Subject
	if userID == "" || utf8.RuneCountInString(userID) > maxUserIDChars {
		return Identity{}, ErrInvalidCredential
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameChars {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{UserID: userID, DisplayName: name}, nil
}

// Mint 签发一个会话令牌（开发登录与测试用）。
func (a *CookieAuthenticator) Mint(userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CookieName 会话 Cookie 名
func (a *CookieAuthenticator) CookieName() string {
	return a.cookieName
}
