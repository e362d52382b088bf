package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/huddle/protocol"
	"github.com/ceyewan/huddle/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession 内存版 Session，记录收到的帧与关闭码
type fakeSession struct {
	mu     sync.Mutex
	connID string
	userID string
	name   string
	room   string
	frames [][]byte
	kicks  []int
}

func newFakeSession(userID, name string) *fakeSession {
	return &fakeSession{
		connID: "conn-" + userID,
		userID: userID,
		name:   name,
	}
}

func (s *fakeSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Kick(code int, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame != nil {
		s.frames = append(s.frames, frame)
	}
	s.kicks = append(s.kicks, code)
}

func (s *fakeSession) ConnID() string     { return s.connID }
func (s *fakeSession) UserID() string     { return s.userID }
func (s *fakeSession) RemoteAddr() string { return "127.0.0.1:0" }

func (s *fakeSession) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *fakeSession) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *fakeSession) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *fakeSession) SetRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// framesOfType 解出指定类型的帧
func (s *fakeSession) framesOfType(t *testing.T, frameType string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, raw := range s.frames {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		if decoded["type"] == frameType {
			out = append(out, decoded)
		}
	}
	return out
}

func (s *fakeSession) lastErrorCode(t *testing.T) string {
	errs := s.framesOfType(t, protocol.TypeError)
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1]["code"].(string)
}

// testClock 手动推进的时钟，hub 与 store 共用
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupHub(t *testing.T, opts Options) (*Hub, *testClock) {
	t.Helper()

	clock := &testClock{t: time.UnixMilli(1700000000000)}
	store, err := repo.Open(filepath.Join(t.TempDir(), "hub_test.db"),
		repo.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts.Clock = clock.Now
	return New(store, opts), clock
}

func openSession(t *testing.T, h *Hub, userID, name string) *fakeSession {
	t.Helper()
	s := newFakeSession(userID, name)
	h.HandleOpen(context.Background(), s)
	return s
}

func sendFrame(h *Hub, s *fakeSession, raw string) {
	h.HandleFrame(context.Background(), s, []byte(raw))
}

func TestHub_HelloAndInitialHistory(t *testing.T) {
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")

	hellos := alice.framesOfType(t, protocol.TypeHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, "alice", hellos[0]["self_id"])
	assert.Equal(t, "default", hellos[0]["room_id"])

	members := hellos[0]["members"].([]interface{})
	require.Len(t, members, 1)

	// 自动加入默认房间后立刻收到初始历史（可以为空）
	histories := alice.framesOfType(t, protocol.TypeHistory)
	require.Len(t, histories, 1)
	assert.Equal(t, "default", histories[0]["room_id"])
}

func TestHub_EchoFanout(t *testing.T) {
	// S1：双方都收到同一条消息，id/ts 一致，发送方也在扇出范围内
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"hi"}`)

	aliceMsgs := alice.framesOfType(t, protocol.TypeMessage)
	bobMsgs := bob.framesOfType(t, protocol.TypeMessage)
	require.Len(t, aliceMsgs, 1, "发送方应收到权威回声")
	require.Len(t, bobMsgs, 1)

	assert.Equal(t, aliceMsgs[0]["id"], bobMsgs[0]["id"])
	assert.Equal(t, aliceMsgs[0]["ts"], bobMsgs[0]["ts"])
	assert.Equal(t, "alice", bobMsgs[0]["user_id"])
	assert.Equal(t, "Alice", bobMsgs[0]["display_name"])
	assert.Equal(t, "hi", bobMsgs[0]["text"])
	_, hasMentions := bobMsgs[0]["mentions"]
	assert.False(t, hasMentions)
}

func TestHub_MentionResolution(t *testing.T) {
	// S2：@Bob 解析为成员 id，@carol 不是成员被丢弃
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "u-alice", "Alice")
	_ = openSession(t, h, "u-bob", "Bob")

	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"hello @Bob and @carol"}`)

	msgs := alice.framesOfType(t, protocol.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, []interface{}{"u-bob"}, msgs[0]["mentions"])
	assert.Equal(t, "hello @Bob and @carol", msgs[0]["text"])
}

func TestHub_RateLimit(t *testing.T) {
	// S3：100ms 内连发 11 条，恰好 10 条扇出，第 11 条只有发送方看到错误
	h, clock := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	for i := 0; i < 11; i++ {
		sendFrame(h, alice, fmt.Sprintf(`{"type":"message","room_id":"default","text":"msg %d"}`, i))
	}

	assert.Len(t, bob.framesOfType(t, protocol.TypeMessage), 10)
	assert.Equal(t, protocol.CodeRateLimit, alice.lastErrorCode(t))
	assert.Empty(t, bob.framesOfType(t, protocol.TypeError), "限流错误只有发送方可见")

	// 休眠 1 秒补充后可以继续发送
	clock.Advance(time.Second)
	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"after sleep"}`)
	assert.Len(t, bob.framesOfType(t, protocol.TypeMessage), 11)
}

func TestHub_ResumeWithoutDuplicates(t *testing.T) {
	// S4：断线重连带 since_ts，只补 m4/m5，不重复 m3
	h, clock := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Millisecond)
		sendFrame(h, bob, fmt.Sprintf(`{"type":"message","room_id":"default","text":"m%d"}`, i))
	}

	seen := alice.framesOfType(t, protocol.TypeMessage)
	require.Len(t, seen, 3)
	m3ID := seen[2]["id"].(string)
	m3Ts := int64(seen[2]["ts"].(float64))

	h.HandleClose(alice)

	for i := 4; i <= 5; i++ {
		clock.Advance(time.Millisecond)
		sendFrame(h, bob, fmt.Sprintf(`{"type":"message","room_id":"default","text":"m%d"}`, i))
	}

	alice2 := openSession(t, h, "alice", "Alice")
	sendFrame(h, alice2, fmt.Sprintf(`{"type":"join","room_id":"default","since_ts":%d}`, m3Ts))

	histories := alice2.framesOfType(t, protocol.TypeHistory)
	require.Len(t, histories, 2, "初始历史 + 续传历史")
	resumed := histories[1]["messages"].([]interface{})
	require.Len(t, resumed, 2)
	assert.Equal(t, "m4", resumed[0].(map[string]interface{})["text"])
	assert.Equal(t, "m5", resumed[1].(map[string]interface{})["text"])
	for _, m := range resumed {
		assert.NotEqual(t, m3ID, m.(map[string]interface{})["id"])
	}
}

func TestHub_AtMostOncePerConnection(t *testing.T) {
	h, clock := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	for i := 0; i < 5; i++ {
		clock.Advance(400 * time.Millisecond)
		sendFrame(h, alice, fmt.Sprintf(`{"type":"message","room_id":"default","text":"m%d"}`, i))
	}

	for _, s := range []*fakeSession{alice, bob} {
		seen := make(map[string]struct{})
		for _, m := range s.framesOfType(t, protocol.TypeMessage) {
			id := m["id"].(string)
			_, dup := seen[id]
			assert.False(t, dup, "同一连接的出站流内消息 id 不得重复")
			seen[id] = struct{}{}
		}
	}
}

func TestHub_Supersession(t *testing.T) {
	// S6：新连接取代旧连接，旁观者在线人数无空档
	h, _ := setupHub(t, Options{})
	c1 := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	c2 := openSession(t, h, "alice", "Alice")

	// 旧连接先收到 UNAUTH error 帧，再被 4001 关闭
	errs := c1.framesOfType(t, protocol.TypeError)
	require.NotEmpty(t, errs)
	assert.Equal(t, protocol.CodeUnauth, errs[len(errs)-1]["code"])
	assert.Equal(t, "superseded", errs[len(errs)-1]["msg"])
	c1.mu.Lock()
	assert.Equal(t, []int{protocol.CloseSuperseded}, c1.kicks)
	c1.mu.Unlock()

	// 旁观者看到的最后一份快照仍然是两个人
	presences := bob.framesOfType(t, protocol.TypePresence)
	require.NotEmpty(t, presences)
	last := presences[len(presences)-1]["members"].([]interface{})
	assert.Len(t, last, 2)

	// 旧连接收尾不影响新连接
	h.HandleClose(c1)
	sendFrame(h, c2, `{"type":"message","room_id":"default","text":"still here"}`)
	assert.Len(t, bob.framesOfType(t, protocol.TypeMessage), 1)
}

func TestHub_JoinSecondRoom(t *testing.T) {
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	sendFrame(h, alice, `{"type":"join","room_id":"dev"}`)

	// 加入新房间：收到该房间的 presence 快照与历史
	presences := alice.framesOfType(t, protocol.TypePresence)
	var devSnapshots int
	for _, p := range presences {
		if p["room_id"] == "dev" {
			devSnapshots++
		}
	}
	assert.Equal(t, 1, devSnapshots)

	// 当前房间切到 dev：往 default 发消息被拒
	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"wrong room"}`)
	assert.Equal(t, protocol.CodeBadRequest, alice.lastErrorCode(t))
	assert.Empty(t, bob.framesOfType(t, protocol.TypeMessage))
}

func TestHub_SetNameBroadcastsPresence(t *testing.T) {
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	sendFrame(h, alice, `{"type":"set_name","display_name":"Alicia"}`)

	presences := bob.framesOfType(t, protocol.TypePresence)
	require.NotEmpty(t, presences)
	last := presences[len(presences)-1]["members"].([]interface{})
	names := make(map[string]string)
	for _, m := range last {
		mm := m.(map[string]interface{})
		names[mm["id"].(string)] = mm["name"].(string)
	}
	assert.Equal(t, "Alicia", names["alice"])

	// 后续消息携带新昵称快照
	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"renamed"}`)
	msgs := bob.framesOfType(t, protocol.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alicia", msgs[0]["display_name"])
}

func TestHub_TypingFanoutAndExpiry(t *testing.T) {
	h, _ := setupHub(t, Options{TypingTimeout: 50 * time.Millisecond})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	sendFrame(h, alice, `{"type":"typing_start","room_id":"default"}`)

	// 发送方不收自己的输入指示
	assert.Empty(t, alice.framesOfType(t, protocol.TypeUserTyping))
	typing := bob.framesOfType(t, protocol.TypeUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "alice", typing[0]["user_id"])
	assert.Equal(t, "Alice", typing[0]["display_name"])

	// 3 秒空闲（测试里缩短）后自动下发 stop
	assert.Eventually(t, func() bool {
		return len(bob.framesOfType(t, protocol.TypeUserTypingStop)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_TypingStopExplicit(t *testing.T) {
	h, _ := setupHub(t, Options{TypingTimeout: time.Hour})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	sendFrame(h, alice, `{"type":"typing_start","room_id":"default"}`)
	sendFrame(h, alice, `{"type":"typing_stop","room_id":"default"}`)

	stops := bob.framesOfType(t, protocol.TypeUserTypingStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "alice", stops[0]["user_id"])
}

func TestHub_DecodeFailureKeepsConnection(t *testing.T) {
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")

	sendFrame(h, alice, `{"type":"launch_missiles"}`)
	assert.Equal(t, protocol.CodeBadRequest, alice.lastErrorCode(t))

	// 连接未被破坏，后续帧照常处理
	sendFrame(h, alice, `{"type":"message","room_id":"default","text":"still alive"}`)
	assert.Len(t, alice.framesOfType(t, protocol.TypeMessage), 1)
}

func TestHub_DisconnectBroadcastsPresence(t *testing.T) {
	h, _ := setupHub(t, Options{})
	alice := openSession(t, h, "alice", "Alice")
	bob := openSession(t, h, "bob", "Bob")

	h.HandleClose(alice)

	presences := bob.framesOfType(t, protocol.TypePresence)
	require.NotEmpty(t, presences)
	last := presences[len(presences)-1]["members"].([]interface{})
	require.Len(t, last, 1)
	assert.Equal(t, "bob", last[0].(map[string]interface{})["id"])
}

func TestHub_BackPagination(t *testing.T) {
	h, clock := setupHub(t, Options{InitialHistoryLimit: 3})
	alice := openSession(t, h, "alice", "Alice")

	for i := 0; i < 8; i++ {
		clock.Advance(time.Second)
		sendFrame(h, alice, fmt.Sprintf(`{"type":"message","room_id":"default","text":"m%d"}`, i))
	}

	// 初次 join：最新 3 条 + before_ts 游标
	alice2 := openSession(t, h, "bob", "Bob")
	histories := alice2.framesOfType(t, protocol.TypeHistory)
	require.Len(t, histories, 1)
	page := histories[0]["messages"].([]interface{})
	require.Len(t, page, 3)
	assert.Equal(t, "m5", page[0].(map[string]interface{})["text"])
	cursor := histories[0]["next_cursor"].(map[string]interface{})
	assert.NotZero(t, cursor["before_ts"])

	// 用最旧一条的 id 回翻：整页取满给 before_id 游标
	oldestID := page[0].(map[string]interface{})["id"].(string)
	sendFrame(h, alice2, fmt.Sprintf(`{"type":"join","room_id":"default","before_id":"%s"}`, oldestID))

	histories = alice2.framesOfType(t, protocol.TypeHistory)
	require.Len(t, histories, 2)
	page = histories[1]["messages"].([]interface{})
	require.Len(t, page, 3)
	assert.Equal(t, "m2", page[0].(map[string]interface{})["text"])
	assert.Equal(t, "m4", page[2].(map[string]interface{})["text"])
	cursor = histories[1]["next_cursor"].(map[string]interface{})
	assert.Equal(t, page[0].(map[string]interface{})["id"], cursor["before_id"])
}
