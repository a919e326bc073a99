package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sig-bridge/internal/connection"
	"sig-bridge/internal/model"
	"sig-bridge/internal/parser"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatPoster 尽力而为的聊天通知
type ChatPoster interface {
	Post(ctx context.Context, message string) bool
}

// Enqueuer 批量通知队列
type Enqueuer interface {
	Enqueue(message string)
}

const (
	StatusSubmitted = "submitted"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Outcome 单个连接的下单结果
type Outcome struct {
	Connection string `json:"connection"`
	OrderID    int64  `json:"order_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Report 一次分发的结果
type Report struct {
	DispatchID string    `json:"dispatch_id,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Ignored    bool      `json:"ignored,omitempty"`
	Submitted  int       `json:"submitted"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// Router 把校验通过的信号分发到所有已连接的券商、通知队列和聊天。
// 各目标互相隔离，一个目标失败或 panic 不影响其它目标。
type Router struct {
	registry *connection.Registry
	parser   *parser.Parser
	chat     ChatPoster
	queue    Enqueuer
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewRouter chat 和 queue 可以为 nil，表示未启用
func NewRouter(registry *connection.Registry, p *parser.Parser, chat ChatPoster, queue Enqueuer, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		parser:   p,
		chat:     chat,
		queue:    queue,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// HandleRaw 解析原始文本并分发。解析或校验失败时返回错误，信号不会被分发。
func (r *Router) HandleRaw(ctx context.Context, raw string) (Report, error) {
	if r.parser.IsTestMessage(raw) {
		r.logger.Info("Test message received, ignored")
		return Report{Ignored: true}, nil
	}

	sig, err := r.parser.ParseAndVerify(raw)
	if err != nil {
		r.logger.Warn("Signal rejected", zap.Error(err), zap.String("signal", sig.String()))
		return Report{}, err
	}
	return r.Dispatch(ctx, sig)
}

// Dispatch 下单请求并发发往所有连接并等待结果，聊天通知在后台进行，摘要进入通知队列
func (r *Router) Dispatch(ctx context.Context, sig model.TradeSignal) (Report, error) {
	if err := sig.Validate(); err != nil {
		return Report{}, err
	}

	report := Report{
		DispatchID: uuid.NewString(),
		Summary:    sig.Summary(),
	}
	logger := r.logger.With(zap.String("dispatch_id", report.DispatchID))
	logger.Info("Dispatching signal", zap.String("signal", sig.String()))

	report.Outcomes = r.submitAll(ctx, logger, sig)
	for _, o := range report.Outcomes {
		switch o.Status {
		case StatusSubmitted:
			report.Submitted++
		case StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	if r.chat != nil {
		r.postChat(context.WithoutCancel(ctx), logger, report.Summary)
	}
	if r.queue != nil {
		r.enqueue(logger, report.Summary)
	}

	logger.Info("Signal dispatched",
		zap.Int("submitted", report.Submitted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Wait 等待后台的聊天通知结束
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) submitAll(ctx context.Context, logger *zap.Logger, sig model.TradeSignal) []Outcome {
	conns := r.registry.Snapshot()
	outcomes := make([]Outcome, len(conns))

	var wg sync.WaitGroup
	for i, m := range conns {
		wg.Add(1)
		go func(i int, m *connection.Manager) {
			defer wg.Done()
			outcomes[i] = Outcome{Connection: m.Name()}
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Order submission panicked", zap.String("connection", m.Name()), zap.Any("panic", p))
					outcomes[i].Status = StatusFailed
					outcomes[i].Error = fmt.Sprint(p)
				}
			}()

			ack, err := m.Submit(ctx, sig)
			switch {
			case errors.Is(err, connection.ErrSkipped):
				outcomes[i].Status = StatusSkipped
			case err != nil:
				logger.Error("Order submission failed", zap.String("connection", m.Name()), zap.Error(err))
				outcomes[i].Status = StatusFailed
				outcomes[i].Error = err.Error()
			default:
				outcomes[i].Status = StatusSubmitted
				outcomes[i].OrderID = ack.OrderID
			}
		}(i, m)
	}
	wg.Wait()
	return outcomes
}

func (r *Router) postChat(ctx context.Context, logger *zap.Logger, summary string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Chat notification panicked", zap.Any("panic", p))
			}
		}()
		r.chat.Post(ctx, summary)
	}()
}

func (r *Router) enqueue(logger *zap.Logger, summary string) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Notification enqueue panicked", zap.Any("panic", p))
		}
	}()
	r.queue.Enqueue(summary)
}
