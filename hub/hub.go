// Package hub 实现会话引擎：每个连接的状态机（升级、hello、join/同步、
// 广播、改名、输入指示、断开）以及周期性的保留清理。
package hub

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/admission"
	"github.com/ceyewan/huddle/model"
	"github.com/ceyewan/huddle/presence"
	"github.com/ceyewan/huddle/protocol"
	"github.com/ceyewan/huddle/repo"
)

// DefaultRoom 隐式自动创建的默认房间
const DefaultRoom = "default"

// Session 表示一个已认证连接的抽象，由 connection.Conn 实现。
// 昵称与当前房间是会话内存状态，仅由 Hub 写入。
type Session interface {
	presence.Sink

	ConnID() string
	UserID() string
	RemoteAddr() string
	Name() string
	SetName(name string)
	Room() string
	SetRoom(room string)
}

// Options Hub 配置
type Options struct {
	Logger              clog.Logger
	DefaultRoom         string
	InitialHistoryLimit int
	MessageMaxChars     int
	NameMaxChars        int
	TypingTimeout       time.Duration
	RateCapacity        int
	RateRefillPerSecond float64
	// Clock 注入时钟，仅用于测试
	Clock func() time.Time
}

// Hub 拥有在线名册与准入控制器，是所有连接任务的汇聚点。
// 测试各自构造自己的实例，进程内没有共享单例。
type Hub struct {
	logger   clog.Logger
	store    repo.HistoryStore
	registry *presence.Registry
	limiter  *admission.Controller
	codec    *protocol.Codec

	defaultRoom  string
	initialLimit int
	now          func() time.Time
}

// New 创建 Hub 并接好名册回调（输入超时、投递失败驱逐）。
func New(store repo.HistoryStore, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = clog.Discard()
	}
	h := &Hub{
		logger:       logger.WithNamespace("hub"),
		store:        store,
		codec:        protocol.NewCodec(opts.MessageMaxChars, opts.NameMaxChars),
		defaultRoom:  opts.DefaultRoom,
		initialLimit: opts.InitialHistoryLimit,
		now:          opts.Clock,
	}
	if h.defaultRoom == "" {
		h.defaultRoom = DefaultRoom
	}
	if h.initialLimit <= 0 {
		h.initialLimit = repo.DefaultQueryLimit
	}
	if h.now == nil {
		h.now = time.Now
	}

	h.limiter = admission.NewController(opts.RateCapacity, opts.RateRefillPerSecond,
		admission.WithLogger(logger))

	h.registry = presence.NewRegistry(
		presence.WithRegistryLogger(logger),
		presence.WithTypingTimeout(opts.TypingTimeout),
		presence.WithNameMaxChars(opts.NameMaxChars),
		presence.WithTypingExpired(h.onTypingExpired),
		presence.WithSendFailure(h.onSendFailure),
	)
	return h
}

// Registry 返回在线名册（升级入口和测试需要只读访问）
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Shutdown 停服时以正常关闭码送走所有在线连接。
func (h *Hub) Shutdown() {
	h.registry.Shutdown(protocol.CloseNormal)
}

// HandleOpen 接纳一个已认证的连接：登记名册、取代旧连接、发 hello
// 快照、自动加入默认房间并下发初始历史，最后向房间广播 presence。
func (h *Hub) HandleOpen(ctx context.Context, c Session) {
	userID := c.UserID()

	prior := h.registry.Attach(userID, c.Name(), c)
	if prior != nil {
		// 旧连接先收到 error 帧，再以 Superseded 策略码关闭
		if frame, err := protocol.ErrorFrame(protocol.CodeUnauth, "superseded"); err == nil {
			prior.Kick(protocol.CloseSuperseded, frame)
		}
		h.logger.Info("connection superseded",
			clog.String("user_id", userID),
			clog.String("conn_id", c.ConnID()))
	}

	members, _, err := h.registry.Join(userID, h.defaultRoom)
	if err != nil {
		h.logger.Error("failed to join default room",
			clog.String("user_id", userID),
			clog.Error(err))
		h.sendError(c, protocol.CodeServerError, "internal error")
		return
	}
	c.SetRoom(h.defaultRoom)

	if frame, err := protocol.Hello(userID, h.defaultRoom, members); err == nil {
		_ = c.Send(frame)
	}

	h.deliverHistory(ctx, c, &protocol.Inbound{Type: protocol.TypeJoin, RoomID: h.defaultRoom})

	// 自己刚拿到 hello 快照，presence 只发给房间里的其他人
	if frame, err := protocol.Presence(h.defaultRoom, members); err == nil {
		h.registry.Broadcast(h.defaultRoom, frame, userID)
	}

	h.logger.Info("connection active",
		clog.String("user_id", userID),
		clog.String("conn_id", c.ConnID()),
		clog.String("remote_addr", c.RemoteAddr()))
}

// HandleFrame 实现 connection.Handler 接口。
// 解码失败回 BAD_REQUEST；未归类的内部异常在此兜底为 SERVER_ERROR，
// 连接保持存活。
func (h *Hub) HandleFrame(ctx context.Context, c Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling frame",
				clog.String("user_id", c.UserID()),
				clog.Any("panic", r))
			h.sendError(c, protocol.CodeServerError, "internal error")
		}
	}()

	in, err := h.codec.DecodeInbound(data)
	if err != nil {
		h.sendDecodeError(c, err)
		return
	}

	switch in.Type {
	case protocol.TypeJoin:
		h.handleJoin(ctx, c, in)
	case protocol.TypeMessage:
		h.handleMessage(ctx, c, in)
	case protocol.TypeSetName:
		h.handleSetName(c, in)
	case protocol.TypeTypingStart:
		h.handleTypingStart(c, in)
	case protocol.TypeTypingStop:
		h.handleTypingStop(c, in)
	}
}

// HandleClose 实现 connection.Handler 接口。
// 仅当该连接仍是用户的当前连接时才真正下线（取代竞态的防护在名册里）。
func (h *Hub) HandleClose(c Session) {
	rooms := h.registry.Detach(c.UserID(), c)
	for _, roomID := range rooms {
		members := h.registry.Members(roomID)
		if frame, err := protocol.Presence(roomID, members); err == nil {
			h.registry.Broadcast(roomID, frame, "")
		}
	}
	if len(rooms) > 0 {
		h.logger.Info("connection closed",
			clog.String("user_id", c.UserID()),
			clog.String("conn_id", c.ConnID()))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c Session, in *protocol.Inbound) {
	members, changed, err := h.registry.Join(c.UserID(), in.RoomID)
	if err != nil {
		h.sendError(c, protocol.CodeServerError, "internal error")
		return
	}
	c.SetRoom(in.RoomID)

	if changed {
		// 新成员加入改变了成员集合，向整个房间补发快照
		if frame, err := protocol.Presence(in.RoomID, members); err == nil {
			h.registry.Broadcast(in.RoomID, frame, "")
		}
	}

	h.deliverHistory(ctx, c, in)
}

// deliverHistory 按游标组装 history 帧并回给请求方。
func (h *Hub) deliverHistory(ctx context.Context, c Session, in *protocol.Inbound) {
	var (
		msgs []*model.Message
		next *protocol.Cursor
		err  error
	)

	switch {
	case in.HasSince:
		msgs, err = h.store.Since(ctx, in.RoomID, in.SinceTs)
		if err == nil && len(msgs) > 0 {
			next = &protocol.Cursor{BeforeTs: msgs[0].Ts}
		}
	case in.BeforeID != "":
		msgs, err = h.store.Before(ctx, in.RoomID, in.BeforeID, h.initialLimit)
		if err == nil && len(msgs) == h.initialLimit {
			// 整页取满才给续拉游标
			next = &protocol.Cursor{BeforeID: msgs[0].ID}
		}
	default:
		msgs, err = h.store.Recent(ctx, in.RoomID, h.initialLimit)
		if err == nil && len(msgs) > 0 {
			next = &protocol.Cursor{BeforeTs: msgs[0].Ts}
		}
	}

	if err != nil {
		h.logger.Error("failed to load history",
			clog.String("room_id", in.RoomID),
			clog.Error(err))
		h.sendError(c, protocol.CodeServerError, "failed to load history")
		return
	}

	payloads := make([]protocol.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		payloads = append(payloads, toPayload(m))
	}
	if frame, err := protocol.History(in.RoomID, payloads, next); err == nil {
		_ = c.Send(frame)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c Session, in *protocol.Inbound) {
	if in.RoomID != c.Room() {
		h.sendError(c, protocol.CodeBadRequest, "message to a room you have not joined")
		return
	}

	if !h.limiter.TryAdmit(c.UserID(), h.now()) {
		h.sendError(c, protocol.CodeRateLimit, "sending too fast, slow down")
		return
	}

	mentions := resolveMentions(in.Text, h.registry.Members(in.RoomID))

	msg, err := h.store.Append(ctx, in.RoomID, c.UserID(), c.Name(), in.Text, mentions)
	if err != nil {
		// 持久化失败只有发送方可见，扇出不会发生
		h.logger.Error("failed to persist message",
			clog.String("room_id", in.RoomID),
			clog.String("user_id", c.UserID()),
			clog.Error(err))
		h.sendError(c, protocol.CodeServerError, "failed to persist message")
		return
	}

	// 发送方也在扇出范围内：权威的 id/ts 回声走同一条路
	if frame, err := protocol.MessageFrame(toPayload(msg)); err == nil {
		h.registry.Broadcast(in.RoomID, frame, "")
	}
}

func (h *Hub) handleSetName(c Session, in *protocol.Inbound) {
	rooms, err := h.registry.SetName(c.UserID(), in.DisplayName)
	if err != nil {
		h.sendError(c, protocol.CodeBadRequest, err.Error())
		return
	}
	c.SetName(in.DisplayName)

	for _, roomID := range rooms {
		members := h.registry.Members(roomID)
		if frame, err := protocol.Presence(roomID, members); err == nil {
			h.registry.Broadcast(roomID, frame, "")
		}
	}
}

func (h *Hub) handleTypingStart(c Session, in *protocol.Inbound) {
	if in.RoomID != c.Room() {
		h.sendError(c, protocol.CodeBadRequest, "typing in a room you have not joined")
		return
	}

	h.registry.MarkTyping(c.UserID(), in.RoomID)
	if frame, err := protocol.UserTyping(in.RoomID, c.UserID(), c.Name()); err == nil {
		h.registry.Broadcast(in.RoomID, frame, c.UserID())
	}
}

func (h *Hub) handleTypingStop(c Session, in *protocol.Inbound) {
	if in.RoomID != c.Room() {
		h.sendError(c, protocol.CodeBadRequest, "typing in a room you have not joined")
		return
	}

	h.registry.ClearTyping(c.UserID(), in.RoomID)
	if frame, err := protocol.UserTypingStop(in.RoomID, c.UserID()); err == nil {
		h.registry.Broadcast(in.RoomID, frame, c.UserID())
	}
}

// onTypingExpired 输入标记 3 秒超时：替用户广播 user_typing_stop
func (h *Hub) onTypingExpired(roomID, userID string) {
	if frame, err := protocol.UserTypingStop(roomID, userID); err == nil {
		h.registry.Broadcast(roomID, frame, userID)
	}
}

// onSendFailure 投递失败：以背压策略码踢掉慢接收方，
// 下线流程随其读协程退出自然走 HandleClose。
func (h *Hub) onSendFailure(userID string, sink presence.Sink) {
	h.logger.Warn("kicking slow receiver",
		clog.String("user_id", userID))
	sink.Kick(protocol.ClosePolicy, nil)
}

func (h *Hub) sendError(c Session, code, msg string) {
	if frame, err := protocol.ErrorFrame(code, msg); err == nil {
		_ = c.Send(frame)
	}
}

func (h *Hub) sendDecodeError(c Session, err error) {
	if we, ok := err.(*protocol.WireError); ok {
		h.sendError(c, we.Code, we.Msg)
		return
	}
	h.sendError(c, protocol.CodeBadRequest, "malformed frame")
}

func toPayload(m *model.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:          m.ID,
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Text:        m.Text,
		Mentions:    m.Mentions,
		Ts:          m.Ts,
	}
}
