package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestLogger 请求日志中间件：记录方法、路径、状态码、耗时与请求 ID。
// /health、/ready 的探活请求不记。
func requestLogger(logger clog.Logger) gin.HandlerFunc {
	skip := map[string]struct{}{
		"/health": {},
		"/ready":  {},
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("RequestID", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", path),
			clog.Int("status", c.Writer.Status()),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", time.Since(start)),
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("server error", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("client error", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// globalIPLimit 全局 IP 限流中间件，给升级端点挡住洪水。
// 与聊天层的逐用户准入控制是两回事。
func globalIPLimit(limiter ratelimit.Limiter, limit ratelimit.Limit, logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("global_ip:%s", c.ClientIP())

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 降级：限流器出错时放行
			logger.Error("ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			logger.Warn("global rate limit exceeded",
				clog.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
