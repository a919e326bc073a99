package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"sig-bridge/internal/connection"
	"sig-bridge/internal/dispatch"
	"sig-bridge/internal/model"
	"sig-bridge/internal/parser"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 64 * 1024

// SignalHandler 处理一段原始信号文本
type SignalHandler interface {
	HandleRaw(ctx context.Context, raw string) (dispatch.Report, error)
}

// PendingCounter 通知队列中尚未发送的消息数
type PendingCounter interface {
	Pending() int
}

// Server 信号接入与健康检查的 HTTP 端
type Server struct {
	Router       *gin.Engine
	handler      SignalHandler
	pool         *connection.Pool
	queue        PendingCounter
	maxBodyBytes int64
	logger       *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer queue 可以为 nil
func NewServer(handler SignalHandler, pool *connection.Pool, queue PendingCounter, maxBodyBytes int64, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		Router:       r,
		handler:      handler,
		pool:         pool,
		queue:        queue,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(zap.String("component", "api")),
	}

	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)

	v1 := s.Router.Group("/v1")
	{
		v1.POST("/signals", s.postSignal)
	}
}

// requestLogger 记录每个请求的耗时和状态码
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) postSignal(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.handler.HandleRaw(c.Request.Context(), string(body))
	switch {
	case errors.Is(err, parser.ErrParse), errors.Is(err, model.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Signal handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	case report.Ignored:
		c.JSON(http.StatusOK, report)
	default:
		c.JSON(http.StatusAccepted, report)
	}
}

func (s *Server) health(c *gin.Context) {
	managers := s.pool.Managers()
	statuses := make([]connection.Status, 0, len(managers))
	connected := 0
	for _, m := range managers {
		st := m.Status()
		if st.State == connection.StateConnected {
			connected++
		}
		statuses = append(statuses, st)
	}

	pending := 0
	if s.queue != nil {
		pending = s.queue.Pending()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"connected":             connected,
		"connections":           statuses,
		"pending_notifications": pending,
	})
}

// Start 阻塞直到 Shutdown 被调用或监听失败
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP ingest listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
