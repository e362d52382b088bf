// Package config 加载并校验服务配置。
// 加载顺序：环境变量 > .env > huddle.{env}.yaml > huddle.yaml
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
)

// Config huddle 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		HTTPPort int    `mapstructure:"http_port"` // HTTP 服务端口
	} `mapstructure:"service"`

	// 日志配置
	Log clog.Config `mapstructure:"log"`

	// 历史库配置
	History HistoryConfig `mapstructure:"history"`

	// 消息准入限流配置
	Rate RateConfig `mapstructure:"rate"`

	// 输入指示配置
	Typing TypingConfig `mapstructure:"typing"`

	// 字段长度约束
	Limits LimitsConfig `mapstructure:"limits"`

	// Origin 白名单（精确匹配）
	Origins []string `mapstructure:"origins"`

	// WebSocket 配置
	WS WSConfig `mapstructure:"ws"`

	// 会话认证配置
	Auth AuthConfig `mapstructure:"auth"`

	// 静态资源配置
	Static StaticConfig `mapstructure:"static"`
}

// HistoryConfig 历史库与保留策略配置
type HistoryConfig struct {
	RetentionTTL  time.Duration `mapstructure:"retention_ttl"`  // 消息保留时长
	PerRoomCap    int           `mapstructure:"per_room_cap"`   // 每房间保留条数上限
	InitialLimit  int           `mapstructure:"initial_limit"`  // 初次加入下发的历史条数
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 清理周期
	DatabasePath  string        `mapstructure:"database_path"`  // SQLite 文件路径
}

// RateConfig 逐用户令牌桶参数
type RateConfig struct {
	Capacity        int     `mapstructure:"capacity"`          // 桶容量
	RefillPerSecond float64 `mapstructure:"refill_per_second"` // 每秒补充令牌数
}

// TypingConfig 输入指示参数
type TypingConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // 输入标记空闲过期时间
}

// LimitsConfig 字段长度约束
type LimitsConfig struct {
	MessageMaxChars     int `mapstructure:"message_max_chars"`      // 消息最大字符数
	DisplayNameMaxChars int `mapstructure:"display_name_max_chars"` // 昵称最大字符数
}

// WSConfig WebSocket 相关配置
type WSConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `mapstructure:"write_buffer_size"` // 写缓冲区大小
	SendQueue       int           `mapstructure:"send_queue"`        // 出站队列高水位（帧数）
	MaxMessageSize  int64         `mapstructure:"max_message_size"`  // 入站帧大小上限（字节）
	PingInterval    time.Duration `mapstructure:"ping_interval"`     // 心跳间隔
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`      // 心跳超时
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`      // 升级期认证预算
}

// AuthConfig 会话认证配置
type AuthConfig struct {
	CookieName string `mapstructure:"cookie_name"` // 会话 Cookie 名
	JWTSecret  string `mapstructure:"jwt_secret"`  // HS256 签名密钥
}

// StaticConfig 静态资源配置
type StaticConfig struct {
	DistDir string `mapstructure:"dist_dir"` // 前端构建产物目录，为空则不托管
}

// GetName 服务名，默认 "huddle"
func (c *Config) GetName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "huddle"
}

// GetHTTPPort HTTP 端口，默认 8080
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// GetRetentionTTL 消息保留时长，默认 24h
func (c *HistoryConfig) GetRetentionTTL() time.Duration {
	if c.RetentionTTL > 0 {
		return c.RetentionTTL
	}
	return 24 * time.Hour
}

// GetPerRoomCap 每房间保留条数，默认 500
func (c *HistoryConfig) GetPerRoomCap() int {
	if c.PerRoomCap > 0 {
		return c.PerRoomCap
	}
	return 500
}

// GetInitialLimit 初始历史条数，默认 100
func (c *HistoryConfig) GetInitialLimit() int {
	if c.InitialLimit > 0 {
		return c.InitialLimit
	}
	return 100
}

// GetSweepInterval 清理周期，默认 60s
func (c *HistoryConfig) GetSweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return 60 * time.Second
}

// GetDatabasePath SQLite 路径，默认 "huddle.db"
func (c *HistoryConfig) GetDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return "huddle.db"
}

// GetCapacity 桶容量，默认 10
func (c *RateConfig) GetCapacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return 10
}

// GetRefillPerSecond 每秒补充令牌数，默认 3
func (c *RateConfig) GetRefillPerSecond() float64 {
	if c.RefillPerSecond > 0 {
		return c.RefillPerSecond
	}
	return 3
}

// GetIdleTimeout 输入标记过期时间，默认 3s
func (c *TypingConfig) GetIdleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 3 * time.Second
}

// GetMessageMaxChars 消息最大字符数，默认 2000
func (c *LimitsConfig) GetMessageMaxChars() int {
	if c.MessageMaxChars > 0 {
		return c.MessageMaxChars
	}
	return 2000
}

// GetDisplayNameMaxChars 昵称最大字符数，默认 50
func (c *LimitsConfig) GetDisplayNameMaxChars() int {
	if c.DisplayNameMaxChars > 0 {
		return c.DisplayNameMaxChars
	}
	return 50
}

// GetReadBufferSize 读缓冲区，默认 1024
func (c *WSConfig) GetReadBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return 1024
}

// GetWriteBufferSize 写缓冲区，默认 1024
func (c *WSConfig) GetWriteBufferSize() int {
	if c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return 1024
}

// GetSendQueue 出站队列高水位，默认 256 帧
func (c *WSConfig) GetSendQueue() int {
	if c.SendQueue > 0 {
		return c.SendQueue
	}
	return 256
}

// GetMaxMessageSize 入站帧大小上限，默认 64KB
func (c *WSConfig) GetMaxMessageSize() int64 {
	if c.MaxMessageSize > 0 {
		return c.MaxMessageSize
	}
	return 64 * 1024
}

// GetPingInterval 心跳间隔，默认 30s
func (c *WSConfig) GetPingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return 30 * time.Second
}

// GetPongTimeout 心跳超时，默认 60s
func (c *WSConfig) GetPongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return 60 * time.Second
}

// GetAuthTimeout 升级期认证预算，默认 5s
func (c *WSConfig) GetAuthTimeout() time.Duration {
	if c.AuthTimeout > 0 {
		return c.AuthTimeout
	}
	return 5 * time.Second
}

// GetCookieName 会话 Cookie 名，默认 "huddle_session"
func (c *AuthConfig) GetCookieName() string {
	if c.CookieName != "" {
		return c.CookieName
	}
	return "huddle_session"
}

// GetJWTSecret HS256 密钥。生产环境必须通过 HUDDLE_AUTH_JWT_SECRET 覆盖。
func (c *AuthConfig) GetJWTSecret() string {
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return "huddle-dev-secret-change-me"
}

// Load 创建并加载服务配置（无参数）。
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "huddle",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "HUDDLE",
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
