package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"sig-bridge/pkg/backoff"

	"go.uber.org/zap"
)

// ErrSendFailed 重试次数耗尽仍未发出
var ErrSendFailed = errors.New("notification send failed")

// DeliveryMode 收件人分组方式
type DeliveryMode string

const (
	ModeCombined   DeliveryMode = "combined"   // 一次发给所有人
	ModeSplit      DeliveryMode = "split"      // 短信网关地址单独发，其余合并
	ModeIndividual DeliveryMode = "individual" // 每个收件人单独发
)

const (
	DefaultSubject      = "SigBridge Alert"
	DefaultBatchWindow  = 5 * time.Second
	DefaultPollInterval = time.Second
)

// 10 位号码开头的地址视为短信网关
var phoneGateway = regexp.MustCompile(`^\d{10}@.+`)

// ParseDeliveryMode 同时接受名称和旧的数字写法 1/2/3
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1", string(ModeCombined):
		return ModeCombined, nil
	case "2", string(ModeSplit):
		return ModeSplit, nil
	case "3", string(ModeIndividual):
		return ModeIndividual, nil
	}
	return "", fmt.Errorf("unknown delivery mode %q", s)
}

type QueueConfig struct {
	Recipients   []string
	Subject      string
	Mode         DeliveryMode
	BatchWindow  time.Duration
	PollInterval time.Duration
	Retry        backoff.Policy // 默认 Linear{2s, 7}
	Clock        backoff.Clock
}

// Queue 缓冲待发通知，安静时间达到批处理窗口后合并成一封发出。
// 新消息不会重置窗口。
type Queue struct {
	cfg       QueueConfig
	transport Transport
	sink      DeadLetterSink
	clock     backoff.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []string
	quiet  time.Duration
}

// NewQueue sink 可以为 nil
func NewQueue(cfg QueueConfig, transport Transport, sink DeadLetterSink, logger *zap.Logger) *Queue {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCombined
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultBatchWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retry == nil {
		cfg.Retry = backoff.Linear{Step: 2 * time.Second, MaxAttempts: 7}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = backoff.RealClock
	}
	return &Queue{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		clock:     clock,
		logger:    logger.With(zap.String("component", "notify")),
	}
}

// Enqueue 不阻塞，可与 Run 并发调用
func (q *Queue) Enqueue(msg string) {
	q.mu.Lock()
	q.buffer = append(q.buffer, msg)
	q.mu.Unlock()
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Run 单个 flush worker，发送在本 goroutine 内同步进行。ctx 取消后退出，缓冲区中剩余消息不再发送。
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("Notification queue started",
		zap.Duration("batch_window", q.cfg.BatchWindow),
		zap.String("mode", string(q.cfg.Mode)),
		zap.Int("recipients", len(q.cfg.Recipients)))

	for {
		if err := backoff.Sleep(ctx, q.clock, q.cfg.PollInterval); err != nil {
			if pending := q.Pending(); pending > 0 {
				q.logger.Warn("Notification queue stopped with unsent messages", zap.Int("pending", pending))
			}
			return
		}
		q.step(ctx)
	}
}

// step 推进一个轮询周期，窗口到期时取出整个缓冲区并发送
func (q *Queue) step(ctx context.Context) {
	q.mu.Lock()
	if len(q.buffer) == 0 {
		q.quiet = 0
		q.mu.Unlock()
		return
	}
	q.quiet += q.cfg.PollInterval
	if q.quiet < q.cfg.BatchWindow {
		q.mu.Unlock()
		return
	}
	body := strings.Join(q.buffer, "\n")
	count := len(q.buffer)
	q.buffer = nil
	q.quiet = 0
	q.mu.Unlock()

	q.logger.Debug("Flushing notification batch", zap.Int("messages", count))
	q.deliver(ctx, body)
}

func (q *Queue) deliver(ctx context.Context, body string) {
	for _, group := range q.groups() {
		if err := q.send(ctx, group, body); err != nil {
			q.logger.Error("Notification dropped", zap.Strings("to", group), zap.Error(err))
		}
	}
}

// groups 按投递模式划分收件人
func (q *Queue) groups() [][]string {
	recipients := q.cfg.Recipients
	if len(recipients) == 0 {
		return nil
	}

	switch q.cfg.Mode {
	case ModeIndividual:
		out := make([][]string, 0, len(recipients))
		for _, r := range recipients {
			out = append(out, []string{r})
		}
		return out
	case ModeSplit:
		var out [][]string
		var rest []string
		for _, r := range recipients {
			if phoneGateway.MatchString(r) {
				out = append(out, []string{r})
			} else {
				rest = append(rest, r)
			}
		}
		if len(rest) > 0 {
			out = append(out, rest)
		}
		return out
	default:
		return [][]string{append([]string(nil), recipients...)}
	}
}

// send 每次尝试前先探测连接，失败后按线性退避重试
func (q *Queue) send(ctx context.Context, to []string, body string) error {
	attempts, err := backoff.Retry(ctx, q.clock, q.cfg.Retry, func(attempt int) error {
		if !q.transport.IsAlive(ctx) {
			if err := q.transport.Connect(ctx); err != nil {
				q.logger.Warn("Notification transport connect failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
		}
		if err := q.transport.Send(ctx, to, q.cfg.Subject, body); err != nil {
			q.logger.Warn("Notification send failed", zap.Int("attempt", attempt), zap.Strings("to", to), zap.Error(err))
			return err
		}
		return nil
	})
	if err == nil {
		q.logger.Info("Notification sent", zap.Strings("to", to), zap.Int("attempts", attempts))
		return nil
	}

	if q.sink != nil {
		letter := DeadLetter{
			Recipients: to,
			Subject:    q.cfg.Subject,
			Body:       body,
			Attempts:   attempts,
			LastError:  err.Error(),
			DroppedAt:  q.clock.Now(),
		}
		if sinkErr := q.sink.Put(letter); sinkErr != nil {
			q.logger.Error("Dead letter not recorded", zap.Error(sinkErr))
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSendFailed, attempts, err)
}
