// Package connection 封装单个 WebSocket 连接：出站队列、读写协程与关闭码。
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/protocol"
	"github.com/gorilla/websocket"
)

// Handler 消费入站帧并感知连接关闭，由 Hub 实现。
type Handler interface {
	HandleFrame(ctx context.Context, conn *Conn, data []byte)
	HandleClose(conn *Conn)
}

// kickRequest 带最后一帧的服务端主动关闭请求
type kickRequest struct {
	code  int
	frame []byte
}

// Conn 表示一个 WebSocket 连接。
// 出站写入由 writePump 单协程串行化；慢接收方只会堵住自己的队列，
// 队列满时该连接被以 ClosePolicy 关闭码踢下线。
type Conn struct {
	connID      string
	userID      string
	conn        *websocket.Conn
	send        chan []byte
	kick        chan kickRequest
	logger      clog.Logger
	handler     Handler
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	remoteAddr  string

	// 会话状态，仅由 Hub 写入
	mu   sync.Mutex
	name string
	room string

	// 配置
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// NewConn 创建新的连接
func NewConn(
	connID string,
	userID string,
	displayName string,
	conn *websocket.Conn,
	logger clog.Logger,
	handler Handler,
	sendQueue int,
	maxMessageSize int64,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Conn {
	if sendQueue <= 0 {
		sendQueue = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		connID:         connID,
		userID:         userID,
		name:           displayName,
		conn:           conn,
		send:           make(chan []byte, sendQueue),
		kick:           make(chan kickRequest, 1),
		logger:         logger,
		handler:        handler,
		ctx:            ctx,
		cancel:         cancel,
		remoteAddr:     conn.RemoteAddr().String(),
		maxMessageSize: maxMessageSize,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
	}
}

// ConnID 连接的唯一标识（trace 用）
func (c *Conn) ConnID() string {
	return c.connID
}

// UserID 连接所属用户
func (c *Conn) UserID() string {
	return c.userID
}

// RemoteAddr 远端地址
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Name 当前昵称
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName 更新昵称（改名只影响会话内存，不回写历史）
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Room 当前加入的房间
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SetRoom 更新当前房间
func (c *Conn) SetRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Send 实现 presence.Sink 接口。
// 队列满视为投递失败，调用方据此安排该连接下线。
func (c *Conn) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Kick 实现 presence.Sink 接口：投递最后一帧（可为 nil）并以
// 指定关闭码断开。重复 Kick 退化为直接关闭。
func (c *Conn) Kick(code int, frame []byte) {
	select {
	case c.kick <- kickRequest{code: code, frame: frame}:
	default:
		c.Close()
	}
}

// Close 关闭连接并取消读写协程
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// Run 启动连接的读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 从 WebSocket 读取帧并交给 Handler
func (c *Conn) readPump() {
	defer func() {
		c.handler.HandleClose(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error",
					clog.String("user_id", c.userID),
					clog.String("conn_id", c.connID),
					clog.Error(err))
			}
			return
		}

		c.handler.HandleFrame(c.ctx, c, data)
	}
}

// writePump 向 WebSocket 串行写入帧与心跳
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("failed to write frame",
					clog.String("user_id", c.userID),
					clog.Error(err))
				return
			}

		case k := <-c.kick:
			if k.frame != nil {
				_ = c.conn.WriteMessage(websocket.TextMessage, k.frame)
			}
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(k.code, closeReason(k.code)), deadline)
			return

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func closeReason(code int) string {
	switch code {
	case protocol.CloseSuperseded:
		return "superseded"
	case protocol.ClosePolicy:
		return "backpressure limit exceeded"
	case protocol.CloseServerError:
		return "internal error"
	default:
		return ""
	}
}
