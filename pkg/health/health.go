// Package health 提供可挂载到任意 HTTP 路由的健康检查探针。
package health

import (
	"net/http"
	"sync/atomic"
)

// Probe 维护 liveness / readiness 状态。
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool
}

// NewProbe 创建健康探针状态。
func NewProbe() *Probe {
	return &Probe{}
}

// SetReady 设置服务就绪状态。
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 设置服务关闭状态。
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// LivenessHandler 返回 liveness handler（/health）。
// 进程活着即健康，不看就绪状态。
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}
}

// ReadinessHandler 返回 readiness handler（/ready）。
// 未就绪或正在退出时返回 503。
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !p.ready.Load() || p.shutdown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
