package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_BurstThenDeny(t *testing.T) {
	c := NewController(10, 3)
	now := time.Unix(1700000000, 0)

	// 满桶可以吸收 10 条突发
	for i := 0; i < 10; i++ {
		require.True(t, c.TryAdmit("alice", now), "第 %d 条突发应放行", i+1)
	}

	// 第 11 条在同一时刻被拒绝
	assert.False(t, c.TryAdmit("alice", now))

	// 拒绝不消费令牌：1 秒后补充 3 个，应恰好放行 3 条
	later := now.Add(time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, c.TryAdmit("alice", later), "补充后第 %d 条应放行", i+1)
	}
	assert.False(t, c.TryAdmit("alice", later))
}

func TestController_FractionalRefill(t *testing.T) {
	c := NewController(10, 3)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		require.True(t, c.TryAdmit("bob", now))
	}

	// 200ms 只补 0.6 个令牌，不够
	assert.False(t, c.TryAdmit("bob", now.Add(200*time.Millisecond)))

	// 小数令牌会累积：再过 200ms 共 1.2 个，放行一条
	assert.True(t, c.TryAdmit("bob", now.Add(400*time.Millisecond)))
	assert.False(t, c.TryAdmit("bob", now.Add(400*time.Millisecond)))
}

func TestController_CapacityClamp(t *testing.T) {
	c := NewController(10, 3)
	now := time.Unix(1700000000, 0)

	require.True(t, c.TryAdmit("carol", now))

	// 长时间空闲后令牌封顶在容量，不会无限累积
	later := now.Add(time.Hour)
	for i := 0; i < 10; i++ {
		require.True(t, c.TryAdmit("carol", later), "第 %d 条应放行", i+1)
	}
	assert.False(t, c.TryAdmit("carol", later))
}

func TestController_ClockSkewBackward(t *testing.T) {
	c := NewController(10, 3)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		require.True(t, c.TryAdmit("dave", now))
	}

	// 时钟回拨：不补充，lastRefill 推进到回拨点
	earlier := now.Add(-time.Minute)
	assert.False(t, c.TryAdmit("dave", earlier))

	// 从回拨点重新计时：回拨点 +1s 补 3 个
	assert.True(t, c.TryAdmit("dave", earlier.Add(time.Second)))
}

func TestController_BucketSurvivesReconnect(t *testing.T) {
	// 桶以 user_id 为键、独立于连接生命周期：重连拿到的是同一个桶
	c := NewController(10, 3)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		require.True(t, c.TryAdmit("eve", now))
	}
	assert.False(t, c.TryAdmit("eve", now), "重连后的第一条不应绕过限流")

	// 不同用户互不影响
	assert.True(t, c.TryAdmit("frank", now))
}
