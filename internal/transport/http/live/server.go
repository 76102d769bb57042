package livehttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"perpguard/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 提供 perpguard 的 HTTP 接口：健康检查、交易接入、平仓结果、熔断与对账。
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	router          *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	Deps            Deps
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Deps.Service == nil || cfg.Deps.Reconciler == nil {
		return nil, errors.New("live http server requires deal service and reconciler")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	r, err := NewRouter(cfg.Deps)
	if err != nil {
		return nil, err
	}
	router.GET("/healthz", r.handleHealth)
	r.Register(router.Group("/api"))

	return &Server{addr: cfg.Addr, shutdownTimeout: cfg.ShutdownTimeout, router: router}, nil
}

// requestLogger 记录每个请求的状态码与耗时。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path += "?" + query
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露底层 gin 引擎（测试用）。
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
