package hub

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/repo"
)

// DefaultSweepInterval 保留清理的周期
const DefaultSweepInterval = 60 * time.Second

// Sweeper 周期性驱动历史库的保留策略（TTL + 房间容量上限）。
// 单协程顺序执行：同一时刻至多一次清理在途，错过的触发自动合并。
// 清理失败只记日志，不影响在线流量。
type Sweeper struct {
	store    repo.HistoryStore
	logger   clog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewSweeper 创建清理任务
func NewSweeper(store repo.HistoryStore, interval time.Duration, logger clog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Sweeper{
		store:    store,
		logger:   logger.WithNamespace("sweeper"),
		interval: interval,
		now:      time.Now,
	}
}

// Run 阻塞运行直到 ctx 取消。周期触发之外，
// 还响应历史库写入护栏发出的按需清理信号。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.store.SweepRequests():
		}

		ttlDeleted, capDeleted, err := s.store.Sweep(ctx, s.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("sweep failed", clog.Error(err))
			continue
		}
		if ttlDeleted > 0 || capDeleted > 0 {
			s.logger.Info("sweep completed",
				clog.Int64("ttl_deleted", ttlDeleted),
				clog.Int64("cap_deleted", capDeleted))
		}
	}
}
