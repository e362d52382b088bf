// Package admission 实现逐用户的令牌桶准入控制。
// 桶随用户存在，不随连接销毁：重连不能绕过限流。
package admission

import (
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
)

const (
	// DefaultCapacity 桶容量：最多吸收 10 条突发
	DefaultCapacity = 10
	// DefaultRefillPerSecond 每秒补充 3 个令牌（连续补充，允许小数累积）
	DefaultRefillPerSecond = 3
)

// bucket 单个用户的令牌桶。不变量：0 <= tokens <= capacity。
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Controller 管理全部用户的令牌桶。
type Controller struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	buckets  map[string]*bucket
	logger   clog.Logger
}

// ControllerOption 配置 Controller 的选项
type ControllerOption func(*Controller)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger.WithNamespace("admission")
	}
}

// NewController 创建准入控制器。
func NewController(capacity int, refillPerSecond float64, opts ...ControllerOption) *Controller {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillPerSecond
	}

	c := &Controller{
		capacity: float64(capacity),
		rate:     refillPerSecond,
		buckets:  make(map[string]*bucket),
		logger:   clog.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAdmit 尝试为该用户消费一个令牌。
// 先按 now 惰性补充：tokens = min(capacity, tokens + elapsed * rate)；
// tokens >= 1 时扣减 1 并放行，否则拒绝且不消费。
// 时钟回拨（now < lastRefill）时不补充，仅把 lastRefill 推进到 now。
func (c *Controller) TryAdmit(userID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[userID]
	if !ok {
		b = &bucket{tokens: c.capacity, lastRefill: now}
		c.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if elapsed > 0 {
		b.tokens += elapsed * c.rate
		if b.tokens > c.capacity {
			b.tokens = c.capacity
		}
	}

	if b.tokens < 1 {
		c.logger.Debug("admission denied",
			clog.String("user_id", userID))
		return false
	}

	b.tokens--
	return true
}
