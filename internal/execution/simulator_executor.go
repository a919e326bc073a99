package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sig-bridge/internal/model"

	"go.uber.org/zap"
)

// SimulatorConfig 模拟账户配置
type SimulatorConfig struct {
	AccountID      string // 握手时返回的账户 ID
	InitialOrderID int64  // 起始订单号
}

// SimulatorExecutor 纸面交易账户，实现了 Broker 接口。
// 所有订单立即按请求数量成交，只记录成交和净持仓。
type SimulatorExecutor struct {
	cfg    *SimulatorConfig
	logger *zap.Logger

	mu sync.RWMutex // 保护账户状态

	connected bool
	offline   bool // 模拟网络故障: 连接和下单都失败
	nextID    int64

	positions    map[string]int
	tradeHistory []*model.FillRecord
}

// NewSimulatorExecutor 构造函数
func NewSimulatorExecutor(cfg *SimulatorConfig, logger *zap.Logger) *SimulatorExecutor {
	if cfg.AccountID == "" {
		cfg.AccountID = "PAPER"
	}
	if cfg.InitialOrderID <= 0 {
		cfg.InitialOrderID = 1
	}
	return &SimulatorExecutor{
		cfg:       cfg,
		logger:    logger.With(zap.String("broker", "paper"), zap.String("account", cfg.AccountID)),
		nextID:    cfg.InitialOrderID,
		positions: make(map[string]int),
	}
}

// Connect 模拟握手，下发的起始订单号不小于已用过的最大订单号
func (e *SimulatorExecutor) Connect(ctx context.Context) (Handshake, error) {
	if err := ctx.Err(); err != nil {
		return Handshake{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.offline {
		return Handshake{}, errors.New("paper broker offline")
	}
	e.connected = true
	e.logger.Info("Sim connected", zap.Int64("next_order_id", e.nextID))
	return Handshake{AccountID: e.cfg.AccountID, NextOrderID: e.nextID}, nil
}

// SubmitOrder 模拟下单并立即成交
func (e *SimulatorExecutor) SubmitOrder(ctx context.Context, order Order) (Ack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected || e.offline {
		e.connected = false
		return Ack{}, ErrNotConnected
	}
	if order.Quantity <= 0 {
		return Ack{OrderID: order.ID, Status: "rejected"}, fmt.Errorf("order %d rejected: quantity %d", order.ID, order.Quantity)
	}

	action := model.ActionBuy
	if order.Action == "SELL" {
		action = model.ActionSell
	}
	e.positions[order.Symbol] += model.SignedQuantity(action, order.Quantity)
	e.tradeHistory = append(e.tradeHistory, &model.FillRecord{
		OrderID:  order.ID,
		Account:  e.cfg.AccountID,
		Symbol:   order.Symbol,
		SecType:  order.SecType,
		Action:   action,
		Quantity: order.Quantity,
		FilledAt: time.Now(),
		Exchange: order.Exchange,
		Resubmit: order.Resubmit,
	})
	if order.ID >= e.nextID {
		e.nextID = order.ID + 1
	}

	e.logger.Info("Sim ORDER FILLED",
		zap.Int64("order_id", order.ID),
		zap.String("action", order.Action),
		zap.Int("quantity", order.Quantity),
		zap.String("symbol", order.Symbol),
		zap.Int("position", e.positions[order.Symbol]))

	return Ack{OrderID: order.ID, Status: "filled"}, nil
}

// Disconnect 断开模拟连接
func (e *SimulatorExecutor) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

// SetOffline 切换模拟网络故障
func (e *SimulatorExecutor) SetOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
	if offline {
		e.connected = false
	}
}

// GetTradeHistory 返回成交记录的副本
func (e *SimulatorExecutor) GetTradeHistory() []*model.FillRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	records := make([]*model.FillRecord, len(e.tradeHistory))
	copy(records, e.tradeHistory)
	return records
}

// GetPosition 查询某个品种的净持仓
func (e *SimulatorExecutor) GetPosition(symbol string) model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.Position{Symbol: symbol, Quantity: e.positions[symbol]}
}
