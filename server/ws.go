package server

import (
	"context"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/auth"
	"github.com/ceyewan/huddle/config"
	"github.com/ceyewan/huddle/connection"
	"github.com/ceyewan/huddle/hub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// hubAdapter 把 Hub 的 Session 语义适配到 connection.Handler。
type hubAdapter struct {
	h *hub.Hub
}

func (a hubAdapter) HandleFrame(ctx context.Context, conn *connection.Conn, data []byte) {
	a.h.HandleFrame(ctx, conn, data)
}

func (a hubAdapter) HandleClose(conn *connection.Conn) {
	a.h.HandleClose(conn)
}

// wsHandler 处理 /ws 升级：Origin 白名单 → 认证 → 升级 → 交给 Hub。
type wsHandler struct {
	hub           *hub.Hub
	authenticator auth.Authenticator
	origins       *originChecker
	upgrader      *websocket.Upgrader
	logger        clog.Logger
	cfg           config.WSConfig
}

func newWSHandler(
	h *hub.Hub,
	authenticator auth.Authenticator,
	origins *originChecker,
	cfg config.WSConfig,
	logger clog.Logger,
) *wsHandler {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  cfg.GetReadBufferSize(),
		WriteBufferSize: cfg.GetWriteBufferSize(),
		CheckOrigin: func(r *http.Request) bool {
			// Origin 在升级前已经校验过（403 与 401 要区分开）
			return true
		},
	}

	return &wsHandler{
		hub:           h,
		authenticator: authenticator,
		origins:       origins,
		upgrader:      upgrader,
		logger:        logger,
		cfg:           cfg,
	}
}

// HandleUpgrade 处理 WebSocket 升级请求。
// Origin 不合法返回 403，凭证不合法返回 401，均不交换任何协议帧。
func (ws *wsHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !ws.origins.Allowed(r) {
		ws.logger.Warn("websocket upgrade rejected: origin not allowed",
			clog.String("origin", r.Header.Get("Origin")),
			clog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// 认证预算 5 秒
	authCtx, cancel := context.WithTimeout(r.Context(), ws.cfg.GetAuthTimeout())
	defer cancel()

	identity, err := ws.authenticator.Authenticate(r.WithContext(authCtx))
	if err != nil {
		ws.logger.Warn("websocket upgrade rejected: unauthorized",
			clog.String("remote_addr", r.RemoteAddr),
			clog.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("failed to upgrade websocket",
			clog.String("user_id", identity.UserID),
			clog.String("remote_addr", r.RemoteAddr),
			clog.Error(err))
		return
	}

	conn := connection.NewConn(
		uuid.New().String(),
		identity.UserID,
		identity.DisplayName,
		wsConn,
		ws.logger,
		hubAdapter{h: ws.hub},
		ws.cfg.GetSendQueue(),
		ws.cfg.GetMaxMessageSize(),
		ws.cfg.GetPingInterval(),
		ws.cfg.GetPongTimeout(),
	)

	// 先入队 hello/history/presence，再启动读写协程
	ws.hub.HandleOpen(r.Context(), conn)
	conn.Run()

	ws.logger.Info("websocket connection established",
		clog.String("user_id", identity.UserID),
		clog.String("conn_id", conn.ConnID()),
		clog.String("remote_addr", r.RemoteAddr))
}
