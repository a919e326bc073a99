package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sig-bridge/internal/api"
	"sig-bridge/internal/connection"
	"sig-bridge/internal/dispatch"
	executor "sig-bridge/internal/execution"
	"sig-bridge/internal/notify"
	"sig-bridge/internal/parser"
	"sig-bridge/internal/service"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		service.InitLogger("info")
		service.Logger.Fatal("Configuration directory not found. Please create it.", zap.String("path", *configPath))
	}
	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		service.InitLogger("info")
		service.Logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 解析器
	sigParser, err := parser.New(parser.Options{
		SubjectMarker:  cfg.Parser.SubjectMarker,
		FuturesPattern: cfg.Parser.FuturesPattern,
	})
	if err != nil {
		logger.Fatal("Invalid parser configuration", zap.Error(err))
	}

	// 2. 为每个启用的券商连接创建管理器
	registry := connection.NewRegistry()
	pool := connection.NewPool(registry, logger)
	for _, connCfg := range cfg.Connections {
		if !connCfg.IsActive() {
			logger.Info("Connection inactive, skipped", zap.String("connection", connCfg.Name))
			continue
		}
		broker := newBroker(connCfg, logger)
		pool.Add(connection.NewManager(connCfg.ManagerConfig(), broker, registry, logger))
	}

	// 3. 邮件通知队列 (可选的死信存储)
	var queue *notify.Queue
	var enqueuer dispatch.Enqueuer
	var pending api.PendingCounter
	if cfg.Notify.Enabled {
		var sink notify.DeadLetterSink
		if cfg.Notify.DeadLetterPath != "" {
			store, err := notify.OpenDeadLetterStore(cfg.Notify.DeadLetterPath)
			if err != nil {
				logger.Fatal("Failed to open dead letter store", zap.Error(err))
			}
			defer store.Close()
			sink = store
		}
		transport := notify.NewSMTPTransport(cfg.Notify.SMTPConfig(), logger)
		defer transport.Close()
		queue = notify.NewQueue(cfg.Notify.QueueConfig(), transport, sink, logger)
		enqueuer, pending = queue, queue
	}

	// 4. 聊天通知
	var chat dispatch.ChatPoster
	if cfg.Chat.Enabled {
		chat = notify.NewSlackNotifier(cfg.Chat.NotifierConfig(), logger)
	}

	router := dispatch.NewRouter(registry, sigParser, chat, enqueuer, logger)
	server := api.NewServer(router, pool, pending, cfg.Server.MaxBodyBytes, logger)

	// 5. 启动各个 worker
	pool.Start(ctx)
	if queue != nil {
		go queue.Run(ctx)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.Server.ListenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP ingest stopped", zap.Error(err))
		}
		stop()
	}

	// 6. 有界的优雅退出: 先停止接入，再断开券商
	timeout := cfg.ShutdownTimeout()
	logger.Info("Shutting down", zap.String("timeout", service.FormatInterval(timeout)))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP ingest shutdown failed", zap.Error(err))
	}
	pool.Shutdown(timeout)
	if queue != nil && queue.Pending() > 0 {
		logger.Warn("Unsent notifications discarded", zap.Int("pending", queue.Pending()))
	}
	logger.Info("Bye")
}

func newBroker(c service.ConnectionConfig, logger *zap.Logger) executor.Broker {
	switch strings.ToLower(c.Kind) {
	case service.KindPaper:
		return executor.NewSimulatorExecutor(&executor.SimulatorConfig{AccountID: strings.ToUpper(c.Name)}, logger)
	default:
		return executor.NewGatewayBroker(&executor.GatewayConfig{
			Name:        c.Name,
			URL:         c.Endpoint,
			Credentials: c.Credentials,
			AckTimeout:  service.Seconds(c.AckTimeoutS),
		}, logger)
	}
}
