package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	executor "sig-bridge/internal/execution"
	"sig-bridge/internal/model"
	"sig-bridge/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBroker 可编排的券商: 前 connectFailures 次连接失败，submitErrs 依次作为下单结果
type fakeBroker struct {
	mu              sync.Mutex
	account         string
	nextID          int64
	connectFailures int
	connectCalls    int
	submitErrs      []error
	orders          []executor.Order
	disconnects     int
}

func (f *fakeBroker) Connect(ctx context.Context) (executor.Handshake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectCalls <= f.connectFailures {
		return executor.Handshake{}, errors.New("connection refused")
	}
	return executor.Handshake{AccountID: f.account, NextOrderID: f.nextID}, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, order executor.Order) (executor.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	if order.ID >= f.nextID {
		f.nextID = order.ID + 1
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return executor.Ack{}, err
		}
	}
	return executor.Ack{OrderID: order.ID, Status: "submitted"}, nil
}

func (f *fakeBroker) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeBroker) sent() []executor.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executor.Order, len(f.orders))
	copy(out, f.orders)
	return out
}

func testSignal(symbol string, qty int) model.TradeSignal {
	return model.TradeSignal{
		Action:        model.ActionBuy,
		Symbol:        symbol,
		Quantity:      qty,
		OrderType:     model.OrderMarket,
		AccountName:   "SIM1",
		OrderID:       "1-1",
		SecType:       model.SecStock,
		SigType:       model.SigOpened,
		SourceMatched: true,
	}
}

// startManager 启动 worker 并等待其登记到注册表
func startManager(t *testing.T, cfg Config, broker *fakeBroker, registry *Registry) *Manager {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = backoff.NewFakeClock(time.Unix(0, 0))
	}
	m := NewManager(cfg, broker, registry, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	require.Eventually(t, func() bool {
		_, ok := registry.Get(broker.account)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return m
}

func TestManagerConnectBackoffMultipliesWait(t *testing.T) {
	clock := backoff.NewFakeClock(time.Unix(0, 0))
	broker := &fakeBroker{account: "DU1", nextID: 5, connectFailures: 3}
	registry := NewRegistry()

	m := startManager(t, Config{
		Name:    "ib",
		Connect: backoff.Exponential{Initial: 2 * time.Second, Multiplier: 1.5},
		Clock:   clock,
	}, broker, registry)

	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond}, clock.Sleeps())
	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "DU1", st.AccountID)
	assert.Equal(t, int64(5), st.NextOrderID)
}

func TestManagerSubmitScalesQuantityAndSequencesIDs(t *testing.T) {
	broker := &fakeBroker{account: "DU1", nextID: 10, submitErrs: []error{nil, errors.New("rejected"), nil}}
	m := startManager(t, Config{Name: "ib", Multiplier: 0.5}, broker, NewRegistry())

	_, err := m.Submit(context.Background(), testSignal("VXX", 225))
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), testSignal("VXX", 10))
	require.Error(t, err)
	assert.False(t, errors.Is(err, executor.ErrNotConnected))
	_, err = m.Submit(context.Background(), testSignal("SPY", 3))
	require.NoError(t, err)

	orders := broker.sent()
	require.Len(t, orders, 3)
	assert.Equal(t, 113, orders[0].Quantity)
	assert.Equal(t, 5, orders[1].Quantity)
	assert.Equal(t, 2, orders[2].Quantity)
	// 失败的订单号不回滚
	assert.Equal(t, []int64{10, 11, 12}, []int64{orders[0].ID, orders[1].ID, orders[2].ID})
	assert.Equal(t, int64(13), m.Status().NextOrderID)
}

func TestManagerSkipListAndSecTypeFilter(t *testing.T) {
	broker := &fakeBroker{account: "DU1", nextID: 1}
	m := startManager(t, Config{
		Name:       "ib",
		Multiplier: 1,
		SkipList:   []string{"vxx"},
		SecTypes:   []model.SecType{model.SecStock},
	}, broker, NewRegistry())

	_, err := m.Submit(context.Background(), testSignal("VXX", 100))
	assert.ErrorIs(t, err, ErrSkipped)

	fut := testSignal("ESH9", 1)
	fut.SecType = model.SecFuture
	_, err = m.Submit(context.Background(), fut)
	assert.ErrorIs(t, err, ErrSkipped)

	assert.Empty(t, broker.sent())
	assert.Equal(t, int64(1), m.Status().NextOrderID)
}

func TestManagerReconnectsAndResendsOnce(t *testing.T) {
	broker := &fakeBroker{account: "DU1", nextID: 20, submitErrs: []error{executor.ErrNotConnected}}
	registry := NewRegistry()
	m := startManager(t, Config{Name: "ib", Multiplier: 1}, broker, registry)

	_, err := m.Submit(context.Background(), testSignal("TQQQ", 300))
	assert.ErrorIs(t, err, executor.ErrNotConnected)

	require.Eventually(t, func() bool {
		return len(broker.sent()) == 2 && m.Status().State == StateConnected && registry.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	orders := broker.sent()
	assert.False(t, orders[0].Resubmit)
	assert.True(t, orders[1].Resubmit)
	assert.Equal(t, orders[0].Quantity, orders[1].Quantity)
	assert.Equal(t, int64(20), orders[0].ID)
	assert.Equal(t, int64(21), orders[1].ID)
	assert.Equal(t, 0, m.Status().Pending)

	broker.mu.Lock()
	assert.Equal(t, 2, broker.connectCalls)
	broker.mu.Unlock()
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	broker := &fakeBroker{account: "DU1", connectFailures: 100}
	registry := NewRegistry()
	m := NewManager(Config{
		Name:    "ib",
		Connect: backoff.Exponential{Initial: time.Second, Multiplier: 1.5, MaxAttempts: 3},
		Clock:   backoff.NewFakeClock(time.Unix(0, 0)),
	}, broker, registry, zap.NewNop())

	m.Run(context.Background())

	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, 0, registry.Len())
	broker.mu.Lock()
	assert.Equal(t, 3, broker.connectCalls)
	broker.mu.Unlock()

	_, err := m.Submit(context.Background(), testSignal("SPY", 1))
	assert.ErrorIs(t, err, executor.ErrNotConnected)
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	broker := &fakeBroker{account: "DU1", nextID: 1}
	registry := NewRegistry()
	m := startManager(t, Config{Name: "ib"}, broker, registry)

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, StateDisconnected, m.Status().State)
	broker.mu.Lock()
	assert.GreaterOrEqual(t, broker.disconnects, 1)
	broker.mu.Unlock()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after disconnect")
	}
}

func TestPoolShutdownInterruptsBackoff(t *testing.T) {
	registry := NewRegistry()
	pool := NewPool(registry, zap.NewNop())
	broker := &fakeBroker{account: "DU1", connectFailures: 1000}
	pool.Add(NewManager(Config{
		Name:    "slow",
		Connect: backoff.Exponential{Initial: time.Hour, Multiplier: 1.5},
	}, broker, registry, zap.NewNop()))

	pool.Start(context.Background())
	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.connectCalls >= 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	pool.Shutdown(5 * time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, m := range pool.Managers() {
		assert.Equal(t, StateDisconnected, m.Status().State)
	}
}

func TestRegistryRejectsDuplicateAccount(t *testing.T) {
	registry := NewRegistry()
	a := NewManager(Config{Name: "a"}, &fakeBroker{}, registry, zap.NewNop())
	b := NewManager(Config{Name: "b"}, &fakeBroker{}, registry, zap.NewNop())

	require.NoError(t, registry.Register("DU1", a))
	require.NoError(t, registry.Register("DU1", a))
	assert.Error(t, registry.Register("DU1", b))

	registry.Remove("DU1", b)
	assert.Equal(t, 1, registry.Len())
	registry.Remove("DU1", a)
	assert.Equal(t, 0, registry.Len())
}

// silentGateway 完成握手但从不回 ack 的 websocket 网关
type silentGateway struct {
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	handshakes int
}

func (g *silentGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	g.mu.Lock()
	g.handshakes++
	g.mu.Unlock()
	if err := conn.WriteJSON(map[string]any{"type": "handshake", "account_id": "GW1", "next_order_id": 1}); err != nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *silentGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handshakes
}

func TestManagerReconnectsAfterAckTimeout(t *testing.T) {
	gw := &silentGateway{}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	broker := executor.NewGatewayBroker(&executor.GatewayConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		AckTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	registry := NewRegistry()
	m := NewManager(Config{Name: "gw", Multiplier: 1, Clock: backoff.NewFakeClock(time.Unix(0, 0))}, broker, registry, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
		_ = broker.Disconnect()
	})
	require.Eventually(t, func() bool { return registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := m.Submit(context.Background(), testSignal("SPY", 10))
	require.ErrorIs(t, err, executor.ErrNotConnected)

	// 超时的连接不应继续留在注册表里被当作健康连接
	_, registered := registry.Get("GW1")
	assert.False(t, registered)
	assert.NotEqual(t, StateConnected, m.Status().State)

	// worker 重新握手 (补发同样超时后再握手一次) 并重新登记
	require.Eventually(t, func() bool {
		return gw.count() >= 2 && registry.Len() == 1 && m.Status().State == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Status().Pending)
}

// orderingBroker 记录订单到达的顺序，并在发送中让出调度
type orderingBroker struct {
	mu      sync.Mutex
	arrived []int64
}

func (b *orderingBroker) Connect(ctx context.Context) (executor.Handshake, error) {
	return executor.Handshake{AccountID: "DU9", NextOrderID: 1}, nil
}

func (b *orderingBroker) SubmitOrder(ctx context.Context, order executor.Order) (executor.Ack, error) {
	b.mu.Lock()
	b.arrived = append(b.arrived, order.ID)
	b.mu.Unlock()
	time.Sleep(time.Millisecond)
	return executor.Ack{OrderID: order.ID, Status: "submitted"}, nil
}

func (b *orderingBroker) Disconnect() error { return nil }

func TestManagerConcurrentSubmitsArriveInIDOrder(t *testing.T) {
	broker := &orderingBroker{}
	registry := NewRegistry()
	m := NewManager(Config{Name: "ib", Multiplier: 1, Clock: backoff.NewFakeClock(time.Unix(0, 0))}, broker, registry, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	require.Eventually(t, func() bool { return registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Submit(context.Background(), testSignal("SPY", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.arrived, n)
	for i, id := range broker.arrived {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestManagerZeroMultiplierUsesDefault(t *testing.T) {
	broker := &fakeBroker{account: "DU1", nextID: 1}
	m := startManager(t, Config{Name: "ib"}, broker, NewRegistry())

	_, err := m.Submit(context.Background(), testSignal("VXX", 225))
	require.NoError(t, err)
	orders := broker.sent()
	require.Len(t, orders, 1)
	assert.Equal(t, 2, orders[0].Quantity)
}
