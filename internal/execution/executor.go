package executor

import (
	"context"
	"errors"
	"strings"

	"sig-bridge/internal/model"
)

// ErrNotConnected 底层连接已断开，需要重连后再提交
var ErrNotConnected = errors.New("broker not connected")

// 通知中的订单类型到券商订单类型的映射
var orderTypeMap = map[model.OrderType]string{
	model.OrderMarket: "MKT",
}

const (
	DefaultExchange = "SMART"
	DefaultCurrency = "USD"
)

// Broker 是券商连接的通用接口，握手、下单、断开由具体实现负责
type Broker interface {
	// Connect 建立连接并返回握手信息 (账户 ID 和起始订单号)
	Connect(ctx context.Context) (Handshake, error)

	// SubmitOrder 发送一笔订单
	SubmitOrder(ctx context.Context, order Order) (Ack, error)

	// Disconnect 释放连接，可重复调用
	Disconnect() error
}

// Handshake 连接成功后由券商端下发
type Handshake struct {
	AccountID   string
	NextOrderID int64
}

// Order 发送给券商的订单
type Order struct {
	ID              int64
	Symbol          string
	SecType         model.SecType
	OrderType       string // MKT
	Quantity        int
	Action          string // BUY / SELL
	Exchange        string
	PrimaryExchange string
	Currency        string
	Resubmit        bool
}

// Ack 券商对订单的确认
type Ack struct {
	OrderID int64
	Status  string
}

// NewOrder 由信号构造订单，数量由调用方按仓位系数换算好
func NewOrder(id int64, sig model.TradeSignal, quantity int, primaryExchange string) Order {
	orderType, ok := orderTypeMap[sig.OrderType]
	if !ok {
		orderType = strings.ToUpper(string(sig.OrderType))
	}
	return Order{
		ID:              id,
		Symbol:          sig.Symbol,
		SecType:         sig.SecType,
		OrderType:       orderType,
		Quantity:        quantity,
		Action:          strings.ToUpper(string(sig.Action)),
		Exchange:        DefaultExchange,
		PrimaryExchange: primaryExchange,
		Currency:        DefaultCurrency,
	}
}
