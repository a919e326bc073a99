package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// GatewayConfig 定义 websocket 下单网关所需的配置
type GatewayConfig struct {
	Name             string
	URL              string
	Credentials      string // 以 Bearer token 的形式放在握手请求头里
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

// gatewayInbound 网关下发的消息: handshake / ack / status
type gatewayInbound struct {
	Type        string `json:"type"`
	AccountID   string `json:"account_id"`
	NextOrderID int64  `json:"next_order_id"`
	OrderID     int64  `json:"order_id"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

// gatewayOrder 发往网关的订单消息
type gatewayOrder struct {
	Type            string `json:"type"`
	OrderID         int64  `json:"order_id"`
	Symbol          string `json:"symbol"`
	SecType         string `json:"sec_type"`
	OrderType       string `json:"order_type"`
	Quantity        int    `json:"quantity"`
	Action          string `json:"action"`
	Exchange        string `json:"exchange"`
	PrimaryExchange string `json:"primary_exchange,omitempty"`
	Currency        string `json:"currency"`
	Resubmit        bool   `json:"resubmit,omitempty"`
}

// GatewayBroker 通过 websocket JSON 协议与券商网关通信，实现了 Broker 接口
type GatewayBroker struct {
	cfg    *GatewayConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex // 保护 conn，同一时间只允许一笔订单在途
	conn *websocket.Conn
}

// NewGatewayBroker 初始化网关客户端，不会立即连接
func NewGatewayBroker(cfg *GatewayConfig, logger *zap.Logger) *GatewayBroker {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &GatewayBroker{
		cfg:    cfg,
		logger: logger.With(zap.String("broker", "gateway"), zap.String("endpoint", cfg.URL)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Connect 建立 websocket 连接并等待网关的握手消息
func (g *GatewayBroker) Connect(ctx context.Context) (Handshake, error) {
	header := http.Header{}
	if g.cfg.Credentials != "" {
		header.Set("Authorization", "Bearer "+g.cfg.Credentials)
	}

	conn, _, err := g.dialer.DialContext(ctx, g.cfg.URL, header)
	if err != nil {
		return Handshake{}, fmt.Errorf("dial gateway: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))
	var msg gatewayInbound
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != "handshake" || msg.AccountID == "" {
		conn.Close()
		return Handshake{}, fmt.Errorf("unexpected handshake message type=%q account=%q", msg.Type, msg.AccountID)
	}

	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close()
	}
	g.conn = conn
	g.mu.Unlock()

	g.logger.Info("Gateway handshake completed",
		zap.String("account", msg.AccountID),
		zap.Int64("next_order_id", msg.NextOrderID))

	return Handshake{AccountID: msg.AccountID, NextOrderID: msg.NextOrderID}, nil
}

// SubmitOrder 写入订单并等待对应订单号的 ack
func (g *GatewayBroker) SubmitOrder(ctx context.Context, order Order) (Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return Ack{}, ErrNotConnected
	}

	deadline := time.Now().Add(g.cfg.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = g.conn.SetWriteDeadline(deadline)
	if err := g.conn.WriteJSON(toGatewayOrder(order)); err != nil {
		g.dropLocked()
		return Ack{}, fmt.Errorf("%w: write order %d: %v", ErrNotConnected, order.ID, err)
	}

	_ = g.conn.SetReadDeadline(deadline)
	for {
		var msg gatewayInbound
		if err := g.conn.ReadJSON(&msg); err != nil {
			// gorilla 的连接在读错误之后不可再用
			g.dropLocked()
			if isTimeout(err) {
				// 连接已经丢弃，由上层重连
				return Ack{}, fmt.Errorf("%w: ack timeout for order %d: %v", ErrNotConnected, order.ID, err)
			}
			return Ack{}, fmt.Errorf("%w: read ack %d: %v", ErrNotConnected, order.ID, err)
		}

		if msg.Type != "ack" || msg.OrderID != order.ID {
			// 忽略其它推送 (状态更新、上一笔订单的迟到 ack)
			continue
		}
		_ = g.conn.SetReadDeadline(time.Time{})

		if msg.Error != "" {
			return Ack{OrderID: msg.OrderID, Status: msg.Status}, fmt.Errorf("order %d rejected: %s", msg.OrderID, msg.Error)
		}
		return Ack{OrderID: msg.OrderID, Status: msg.Status}, nil
	}
}

// Disconnect 发送 close 帧并关闭连接，重复调用无副作用
func (g *GatewayBroker) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	_ = g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	err := g.conn.Close()
	g.conn = nil
	return err
}

func (g *GatewayBroker) dropLocked() {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}

func toGatewayOrder(o Order) gatewayOrder {
	return gatewayOrder{
		Type:            "order",
		OrderID:         o.ID,
		Symbol:          o.Symbol,
		SecType:         string(o.SecType),
		OrderType:       o.OrderType,
		Quantity:        o.Quantity,
		Action:          o.Action,
		Exchange:        o.Exchange,
		PrimaryExchange: o.PrimaryExchange,
		Currency:        o.Currency,
		Resubmit:        o.Resubmit,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
