// Package presence 维护在线名册：用户 → 连接、房间 → 成员集合，
// 以及带定时过期的“正在输入”软状态。
package presence

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/protocol"
)

// DefaultTypingTimeout 输入标记的空闲过期时间
const DefaultTypingTimeout = 3 * time.Second

// Sink 出站帧的投递端，由 connection.Conn 实现。
// Send 失败表示出站队列已满；Kick 发送最后一帧并以指定关闭码断开。
type Sink interface {
	Send(frame []byte) error
	Kick(code int, frame []byte)
}

// user 一个已连接用户的在线记录
type user struct {
	name  string
	sink  Sink
	rooms map[string]struct{}
}

type typingKey struct {
	roomID string
	userID string
}

// Registry 在线名册。单把读写锁串行化成员变更与快照读取；
// 扇出只在锁内枚举 sink，发送在锁外进行。
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*user
	rooms  map[string]map[string]struct{}
	typing map[typingKey]*time.Timer

	typingTimeout time.Duration
	nameMaxChars  int
	logger        clog.Logger

	// onTypingExpired 输入标记超时回调（Hub 用来广播 user_typing_stop）
	onTypingExpired func(roomID, userID string)
	// onSendFailure 投递失败回调：该用户的连接将被安排下线
	onSendFailure func(userID string, sink Sink)
}

// RegistryOption 配置 Registry 的选项
type RegistryOption func(*Registry)

// WithRegistryLogger 设置日志记录器
func WithRegistryLogger(logger clog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.WithNamespace("presence")
	}
}

// WithTypingTimeout 设置输入标记过期时间
func WithTypingTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.typingTimeout = d
		}
	}
}

// WithNameMaxChars 设置昵称最大长度（Unicode 字符数）
func WithNameMaxChars(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.nameMaxChars = n
		}
	}
}

// WithTypingExpired 设置输入标记超时回调
func WithTypingExpired(fn func(roomID, userID string)) RegistryOption {
	return func(r *Registry) {
		r.onTypingExpired = fn
	}
}

// WithSendFailure 设置投递失败回调
func WithSendFailure(fn func(userID string, sink Sink)) RegistryOption {
	return func(r *Registry) {
		r.onSendFailure = fn
	}
}

// NewRegistry 创建在线名册
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		users:         make(map[string]*user),
		rooms:         make(map[string]map[string]struct{}),
		typing:        make(map[typingKey]*time.Timer),
		typingTimeout: DefaultTypingTimeout,
		nameMaxChars:  50,
		logger:        clog.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach 登记（或替换）该用户的连接。
// 同一用户同时只允许一个连接：存在旧连接时返回旧 sink，
// 由调用方用 Superseded 策略码关闭它。
func (r *Registry) Attach(userID, displayName string, sink Sink) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prior Sink
	if existing, ok := r.users[userID]; ok {
		prior = existing.sink
		// 新连接继承成员关系，旁观者看不到在线人数的空档
		existing.sink = sink
		existing.name = displayName
		r.logger.Warn("user already connected, superseding old connection",
			clog.String("user_id", userID))
		return prior
	}

	r.users[userID] = &user{
		name:  displayName,
		sink:  sink,
		rooms: make(map[string]struct{}),
	}
	r.logger.Info("user attached", clog.String("user_id", userID))
	return nil
}

// Detach 解除该用户的连接登记。仅当 sink 仍是当前连接时生效，
// 防止被取代的旧连接在收尾时把新连接踢下线。
// 返回该用户离开的房间列表（用于补发 presence 快照）。
func (r *Registry) Detach(userID string, sink Sink) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok || u.sink != sink {
		return nil
	}

	rooms := make([]string, 0, len(u.rooms))
	for roomID := range u.rooms {
		rooms = append(rooms, roomID)
		r.removeMemberLocked(roomID, userID)
		r.clearTypingLocked(roomID, userID)
	}
	delete(r.users, userID)
	sort.Strings(rooms)

	r.logger.Info("user detached", clog.String("user_id", userID))
	return rooms
}

// Join 将用户加入房间（房间记录按需创建）。
// 返回加入后的成员快照，以及成员集合是否发生了变化。
func (r *Registry) Join(userID, roomID string) ([]protocol.Member, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, false, fmt.Errorf("user not attached: %s", userID)
	}

	members, exists := r.rooms[roomID]
	if !exists {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}

	_, already := members[userID]
	if !already {
		members[userID] = struct{}{}
		u.rooms[roomID] = struct{}{}
	}

	return r.membersLocked(roomID), !already, nil
}

// SetName 校验并更新昵称（trim 后 1..nameMaxChars 个字符）。
// 返回需要补发 presence 快照的房间列表。
func (r *Registry) SetName(userID, newName string) ([]string, error) {
	name := strings.TrimSpace(newName)
	if name == "" {
		return nil, fmt.Errorf("display_name must not be empty")
	}
	if utf8.RuneCountInString(name) > r.nameMaxChars {
		return nil, fmt.Errorf("display_name exceeds %d characters", r.nameMaxChars)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not attached: %s", userID)
	}
	u.name = name

	rooms := make([]string, 0, len(u.rooms))
	for roomID := range u.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// NameOf 返回用户当前昵称
func (r *Registry) NameOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return "", false
	}
	return u.name, true
}

// IsMember 判断用户是否在房间内
func (r *Registry) IsMember(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, in := members[userID]
	return in
}

// Members 返回房间成员快照，按 user_id 排序，保证快照可比对。
func (r *Registry) Members(roomID string) []protocol.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(roomID)
}

func (r *Registry) membersLocked(roomID string) []protocol.Member {
	ids, ok := r.rooms[roomID]
	if !ok {
		return []protocol.Member{}
	}

	out := make([]protocol.Member, 0, len(ids))
	for id := range ids {
		name := ""
		if u, ok := r.users[id]; ok {
			name = u.name
		}
		out = append(out, protocol.Member{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkTyping 写入/刷新输入标记并重置过期定时器
func (r *Registry) MarkTyping(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := typingKey{roomID: roomID, userID: userID}
	if timer, ok := r.typing[key]; ok {
		timer.Reset(r.typingTimeout)
		return
	}

	r.typing[key] = time.AfterFunc(r.typingTimeout, func() {
		r.expireTyping(roomID, userID)
	})
}

// ClearTyping 删除输入标记并取消定时器
func (r *Registry) ClearTyping(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearTypingLocked(roomID, userID)
}

func (r *Registry) clearTypingLocked(roomID, userID string) {
	key := typingKey{roomID: roomID, userID: userID}
	if timer, ok := r.typing[key]; ok {
		timer.Stop()
		delete(r.typing, key)
	}
}

// expireTyping 定时器回调：标记仍存在时删除并通知 Hub
func (r *Registry) expireTyping(roomID, userID string) {
	r.mu.Lock()
	key := typingKey{roomID: roomID, userID: userID}
	_, ok := r.typing[key]
	if ok {
		delete(r.typing, key)
	}
	r.mu.Unlock()

	if ok && r.onTypingExpired != nil {
		r.onTypingExpired(roomID, userID)
	}
}

// Broadcast 把帧投递给房间内除 exceptUserID 外的每个成员。
// 锁内只做 sink 枚举，发送在锁外：慢接收方不会阻塞名册。
// 投递失败的接收方通过 onSendFailure 安排下线，不影响其余成员。
func (r *Registry) Broadcast(roomID string, frame []byte, exceptUserID string) {
	type target struct {
		id   string
		sink Sink
	}

	r.mu.RLock()
	ids, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	targets := make([]target, 0, len(ids))
	for id := range ids {
		if id == exceptUserID {
			continue
		}
		if u, ok := r.users[id]; ok {
			targets = append(targets, target{id: id, sink: u.sink})
		}
	}
	r.mu.RUnlock()

	for _, tg := range targets {
		if err := tg.sink.Send(frame); err != nil {
			r.logger.Warn("failed to deliver frame, scheduling teardown",
				clog.String("user_id", tg.id),
				clog.String("room_id", roomID),
				clog.Error(err))
			if r.onSendFailure != nil {
				r.onSendFailure(tg.id, tg.sink)
			}
		}
	}
}

// SendTo 把帧投递给指定用户
func (r *Registry) SendTo(userID string, frame []byte) error {
	r.mu.RLock()
	u, ok := r.users[userID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("user not connected: %s", userID)
	}
	if err := u.sink.Send(frame); err != nil {
		if r.onSendFailure != nil {
			r.onSendFailure(userID, u.sink)
		}
		return err
	}
	return nil
}

// Shutdown 停服收尾：取消全部输入定时器，清空名册，
// 并以给定关闭码踢掉每个在线连接。
func (r *Registry) Shutdown(code int) {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(r.users))
	for _, u := range r.users {
		sinks = append(sinks, u.sink)
	}
	for key, timer := range r.typing {
		timer.Stop()
		delete(r.typing, key)
	}
	r.users = make(map[string]*user)
	r.rooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, s := range sinks {
		s.Kick(code, nil)
	}
	if len(sinks) > 0 {
		r.logger.Info("closed all connections", clog.Int("count", len(sinks)))
	}
}

func (r *Registry) removeMemberLocked(roomID, userID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	// 房间记录只在还有成员时存在
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
