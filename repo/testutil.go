package repo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
)

// fakeClock 手动推进的测试时钟
type fakeClock struct {
	t time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// setupTestStore 在临时目录创建一个独立的 SQLite 历史库
func setupTestStore(t *testing.T, clock *fakeClock, opts ...HistoryOption) HistoryStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "huddle_test.db")
	all := []HistoryOption{WithHistoryLogger(clog.Discard())}
	if clock != nil {
		all = append(all, WithClock(clock.Now))
	}
	all = append(all, opts...)

	store, err := Open(path, all...)
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
