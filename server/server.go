// Package server 管理服务生命周期：配置加载、组件装配、启动与优雅退出。
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/huddle/auth"
	"github.com/ceyewan/huddle/config"
	"github.com/ceyewan/huddle/hub"
	"github.com/ceyewan/huddle/pkg/health"
	"github.com/ceyewan/huddle/repo"
)

// Server huddle 服务生命周期管理器
type Server struct {
	config *config.Config
	logger clog.Logger

	store   repo.HistoryStore
	hub     *hub.Hub
	sweeper *hub.Sweeper
	probe   *health.Probe

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Server 实例并完成全部组件装配。
func New() (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 用给定配置创建 Server（测试用入口）。
func NewWithConfig(cfg *config.Config) (*Server, error) {
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		logger: logger,
		probe:  health.NewProbe(),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.initComponents(); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) initComponents() error {
	cfg := s.config

	// 1. 历史库
	store, err := repo.Open(cfg.History.GetDatabasePath(),
		repo.WithHistoryLogger(s.logger),
		repo.WithRetention(cfg.History.GetRetentionTTL(), cfg.History.GetPerRoomCap()),
	)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	s.store = store

	// 2. 会话引擎
	s.hub = hub.New(store, hub.Options{
		Logger:              s.logger,
		InitialHistoryLimit: cfg.History.GetInitialLimit(),
		MessageMaxChars:     cfg.Limits.GetMessageMaxChars(),
		NameMaxChars:        cfg.Limits.GetDisplayNameMaxChars(),
		TypingTimeout:       cfg.Typing.GetIdleTimeout(),
		RateCapacity:        cfg.Rate.GetCapacity(),
		RateRefillPerSecond: cfg.Rate.GetRefillPerSecond(),
	})
	s.sweeper = hub.NewSweeper(store, cfg.History.GetSweepInterval(), s.logger)

	// 3. 升级入口：认证器 + Origin 白名单
	authenticator := auth.NewCookieAuthenticator(
		[]byte(cfg.Auth.GetJWTSecret()),
		auth.WithCookieName(cfg.Auth.GetCookieName()),
		auth.WithAuthLogger(s.logger),
	)
	origins := newOriginChecker(cfg.Origins, s.logger)
	ws := newWSHandler(s.hub, authenticator, origins, cfg.WS, s.logger)

	// 4. HTTP 层限流器与路由
	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
	}, ratelimit.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("init ratelimiter: %w", err)
	}

	router := newRouter(ws, s.probe, limiter, cfg.Static.DistDir, s.logger)
	s.httpServer = &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return nil
}

// Run 启动 HTTP 服务与清理任务，立即返回。
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.httpServer.Addr, err)
	}

	go s.sweeper.Run(s.ctx)

	s.probe.SetShutdown(false)
	s.probe.SetReady(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped unexpectedly", clog.Error(err))
		}
	}()

	s.logger.Info("server listening",
		clog.String("name", s.config.GetName()),
		clog.String("addr", s.httpServer.Addr),
		clog.String("db", s.config.History.GetDatabasePath()))
	return nil
}

// Close 优雅退出：停止接流，关闭清理任务、HTTP 服务与历史库。
func (s *Server) Close() error {
	s.probe.SetReady(false)
	s.probe.SetShutdown(true)
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.hub != nil {
		s.hub.Shutdown()
	}

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}
