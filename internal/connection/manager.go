package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	executor "sig-bridge/internal/execution"
	"sig-bridge/internal/model"
	"sig-bridge/pkg/backoff"

	"go.uber.org/zap"
)

// ErrSkipped 该连接按配置不处理这个信号 (跳过列表或证券类型过滤)
var ErrSkipped = errors.New("signal skipped by connection filter")

// DefaultMultiplier 未配置仓位系数时使用
const DefaultMultiplier = 0.01

// State 连接状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config 单个券商连接的配置
type Config struct {
	Name             string
	Multiplier       float64
	SkipList         []string
	SecTypes         []model.SecType   // 为空表示不过滤
	PrimaryExchanges map[string]string // symbol -> 主交易所
	Connect          backoff.Policy    // 连接失败后的退避策略
	Clock            backoff.Clock
}

// Status 连接状态快照
type Status struct {
	Name        string `json:"name"`
	AccountID   string `json:"account_id,omitempty"`
	State       State  `json:"state"`
	NextOrderID int64  `json:"next_order_id"`
	Pending     int    `json:"pending_resend"`
}

// Manager 管理一个券商连接的生命周期: 连接、退避重试、断线重连、订单号递增
type Manager struct {
	cfg      Config
	broker   executor.Broker
	registry *Registry
	clock    backoff.Clock
	logger   *zap.Logger

	skip     map[string]struct{}
	secTypes map[model.SecType]struct{}

	// submitMu 让订单号分配和发送成为一个整体，保证订单号按递增顺序到达券商
	submitMu sync.Mutex

	mu          sync.Mutex
	state       State
	accountID   string
	nextOrderID int64
	pending     []executor.Order // 断线时触发的订单，重连后补发一次
	closed      bool

	wake chan struct{}
	done chan struct{}
}

// NewManager 创建连接管理器，Run 之前不会建立连接
func NewManager(cfg Config, broker executor.Broker, registry *Registry, logger *zap.Logger) *Manager {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Connect == nil {
		cfg.Connect = backoff.Exponential{Initial: 2 * time.Second, Multiplier: 1.5, Max: 5 * time.Minute}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = backoff.RealClock
	}

	m := &Manager{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		clock:    clock,
		logger:   logger.With(zap.String("connection", cfg.Name)),
		skip:     make(map[string]struct{}, len(cfg.SkipList)),
		secTypes: make(map[model.SecType]struct{}, len(cfg.SecTypes)),
		state:    StateDisconnected,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, s := range cfg.SkipList {
		m.skip[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	for _, st := range cfg.SecTypes {
		m.secTypes[model.SecType(strings.ToUpper(string(st)))] = struct{}{}
	}
	return m
}

func (m *Manager) Name() string { return m.cfg.Name }

// Done 在 Run 退出后关闭
func (m *Manager) Done() <-chan struct{} { return m.done }

// Status 返回当前状态快照
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Name:        m.cfg.Name,
		AccountID:   m.accountID,
		State:       m.state,
		NextOrderID: m.nextOrderID,
		Pending:     len(m.pending),
	}
}

// Run 连接 worker 主循环: 连接 -> 补发 -> 登记 -> 等待重连请求。
// ctx 取消或重试次数耗尽时退出。
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		if !m.connect(ctx) {
			m.setState(StateDisconnected)
			return
		}

		if err := m.resendPending(ctx); err != nil {
			m.logger.Error("Resend after reconnect failed, reconnecting again", zap.Error(err))
			m.markReconnecting()
			_ = m.broker.Disconnect()
			continue
		}

		if !m.register() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.logger.Warn("Broker reported not connected, reconnecting")
			_ = m.broker.Disconnect()
		}
	}
}

// connect 按退避策略重试直到握手成功
func (m *Manager) connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.state != StateReconnecting {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	policy := m.cfg.Connect.NewBackOff(m.clock)
	for attempt := 1; ; attempt++ {
		hs, err := m.broker.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				_ = m.broker.Disconnect()
				return false
			}
			m.accountID = hs.AccountID
			m.nextOrderID = hs.NextOrderID
			m.mu.Unlock()

			m.logger.Info("Connected to broker",
				zap.String("account", hs.AccountID),
				zap.Int64("next_order_id", hs.NextOrderID),
				zap.Int("attempts", attempt))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			m.logger.Error("Giving up connecting to broker", zap.Int("attempts", attempt), zap.Error(err))
			return false
		}
		m.logger.Error("Not connected to broker, will retry",
			zap.String("destination", m.destination()),
			zap.Duration("retry_in", wait),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if backoff.Sleep(ctx, m.clock, wait) != nil {
			return false
		}
	}
}

// register 状态切换为 Connected 并登记到注册表
func (m *Manager) register() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnected
	account := m.accountID
	m.mu.Unlock()

	if err := m.registry.Register(account, m); err != nil {
		m.logger.Error("Connection not registered", zap.Error(err))
	}
	return true
}

// resendPending 重连后把断线时的订单各补发一次，订单号使用新握手后的序列
func (m *Manager) resendPending(ctx context.Context) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, order := range pending {
		m.mu.Lock()
		order.ID = m.nextOrderID
		m.nextOrderID++
		m.mu.Unlock()

		ack, err := m.broker.SubmitOrder(ctx, order)
		if err != nil {
			m.logger.Error("Resubmit failed, order dropped",
				zap.Int64("order_id", order.ID),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
			if errors.Is(err, executor.ErrNotConnected) {
				return err
			}
			continue
		}
		m.logger.Warn("Order resubmitted after reconnect, possible duplicate",
			zap.Int64("order_id", ack.OrderID),
			zap.String("action", order.Action),
			zap.Int("quantity", order.Quantity),
			zap.String("symbol", order.Symbol))
	}
	return nil
}

// Submit 按仓位系数换算数量后下单。跳过列表中的品种直接返回 ErrSkipped。
// 订单号在每次尝试后都会递增，失败不回滚。
func (m *Manager) Submit(ctx context.Context, sig model.TradeSignal) (executor.Ack, error) {
	if reason, skipped := m.filtered(sig); skipped {
		m.logger.Debug("Signal skipped", zap.String("symbol", sig.Symbol), zap.String("reason", reason))
		return executor.Ack{}, ErrSkipped
	}

	quantity := int(math.Round(float64(sig.Quantity) * m.cfg.Multiplier))

	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	m.mu.Lock()
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return executor.Ack{}, fmt.Errorf("%w: connection %s is %s", executor.ErrNotConnected, m.cfg.Name, state)
	}
	id := m.nextOrderID
	m.nextOrderID++
	account := m.accountID
	m.mu.Unlock()

	order := executor.NewOrder(id, sig, quantity, m.cfg.PrimaryExchanges[sig.Symbol])
	ack, err := m.broker.SubmitOrder(ctx, order)
	if err != nil {
		if errors.Is(err, executor.ErrNotConnected) {
			m.scheduleReconnect(order)
		}
		return ack, fmt.Errorf("submit order %d on %s: %w", id, m.cfg.Name, err)
	}

	m.logger.Info("Order sent",
		zap.String("account", account),
		zap.Int64("order_id", id),
		zap.String("action", order.Action),
		zap.Int("quantity", quantity),
		zap.String("symbol", order.Symbol),
		zap.String("order_type", order.OrderType))
	return ack, nil
}

// Disconnect 释放连接并从注册表移除，可重复调用
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateDisconnected
	account := m.accountID
	m.mu.Unlock()

	m.registry.Remove(account, m)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Info("Disconnecting broker", zap.String("account", account), zap.String("destination", m.destination()))
	return m.broker.Disconnect()
}

// scheduleReconnect 退出注册表，记下待补发订单并唤醒 worker
func (m *Manager) scheduleReconnect(order executor.Order) {
	m.mu.Lock()
	order.Resubmit = true
	m.pending = append(m.pending, order)
	account := m.accountID
	wasConnected := m.state == StateConnected
	if wasConnected {
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	if wasConnected {
		m.registry.Remove(account, m)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) markReconnecting() {
	m.mu.Lock()
	if !m.closed {
		m.state = StateReconnecting
	}
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) filtered(sig model.TradeSignal) (string, bool) {
	if _, ok := m.skip[sig.Symbol]; ok {
		return "skip_list", true
	}
	if len(m.secTypes) > 0 {
		if _, ok := m.secTypes[sig.SecType]; !ok {
			return "sec_type", true
		}
	}
	return "", false
}

func (m *Manager) destination() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountID != "" {
		return m.accountID
	}
	return m.cfg.Name
}
