package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/config"
)

// Server 工具中心的HTTP服务
type Server struct {
	e      *echo.Echo
	host   string
	port   int
	logger config.Logger
}

// NewServer 创建HTTP服务并注册全部路由
func NewServer(handler *Handler, cfg *config.Config, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(logger))

	handler.RegisterRoutes(e)

	return &Server{
		e:      e,
		host:   cfg.Server.Host,
		port:   cfg.Server.Port,
		logger: logger,
	}
}

// requestLogger 以结构化日志记录每个请求
func requestLogger(logger config.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("请求处理失败", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("请求完成", fields...)
			return nil
		},
	})
}

// Echo 返回底层echo实例
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start 以非阻塞方式启动服务，启动失败通过返回的channel报告
func (s *Server) Start() <-chan error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("HTTP服务启动", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
