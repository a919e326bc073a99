package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool 持有所有连接管理器，每个管理器在独立的 goroutine 中运行
type Pool struct {
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	managers []*Manager
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPool(registry *Registry, logger *zap.Logger) *Pool {
	return &Pool{registry: registry, logger: logger}
}

func (p *Pool) Registry() *Registry { return p.registry }

// Add 在 Start 之前调用
func (p *Pool) Add(m *Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.managers = append(p.managers, m)
}

func (p *Pool) Managers() []*Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Manager, len(p.managers))
	copy(out, p.managers)
	return out
}

// Start 为每个连接启动 worker，不会阻塞调用方
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	managers := append([]*Manager(nil), p.managers...)
	p.mu.Unlock()

	for _, m := range managers {
		p.wg.Add(1)
		go func(m *Manager) {
			defer p.wg.Done()
			m.Run(ctx)
		}(m)
	}
	p.logger.Info("Connection workers started", zap.Int("count", len(managers)))
}

// Shutdown 通知所有 worker 退出，最多等待 timeout，然后断开全部连接
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	cancel := p.cancel
	managers := append([]*Manager(nil), p.managers...)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	joined := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(timeout):
		p.logger.Warn("Connection workers did not exit in time, forcing disconnect", zap.Duration("timeout", timeout))
	}

	for _, m := range managers {
		if err := m.Disconnect(); err != nil {
			p.logger.Error("Disconnect failed", zap.String("connection", m.Name()), zap.Error(err))
		}
	}
}
