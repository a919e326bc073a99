package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sig-bridge/pkg/backoff"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChatConfig Slack 兼容的 incoming webhook
type ChatConfig struct {
	Endpoint      string
	Channel       string
	Username      string
	Icon          string
	MaxAttempts   int           // 默认 6
	Step          time.Duration // 第 n 次失败后等待 n*Step，默认 1s
	RatePerSecond float64       // <= 0 表示不限速
	Timeout       time.Duration
	Clock         backoff.Clock
}

type chatPayload struct {
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
	Text      string `json:"text"`
}

// SlackNotifier 尽力而为的聊天通知，失败只记日志
type SlackNotifier struct {
	cfg     ChatConfig
	client  *http.Client
	limiter *rate.Limiter
	policy  backoff.Policy
	clock   backoff.Clock
	logger  *zap.Logger
}

func NewSlackNotifier(cfg ChatConfig, logger *zap.Logger) *SlackNotifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = backoff.RealClock
	}
	return &SlackNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		policy:  backoff.Linear{Step: cfg.Step, MaxAttempts: cfg.MaxAttempts},
		clock:   clock,
		logger:  logger.With(zap.String("component", "chat")),
	}
}

// Post 发送一条消息，重试耗尽返回 false。不会 panic。
func (n *SlackNotifier) Post(ctx context.Context, message string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Chat post panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	payload, err := json.Marshal(chatPayload{
		Channel:   n.cfg.Channel,
		Username:  n.cfg.Username,
		IconEmoji: n.cfg.Icon,
		Text:      message,
	})
	if err != nil {
		n.logger.Error("Chat payload encode failed", zap.Error(err))
		return false
	}
	form := url.Values{"payload": {string(payload)}}.Encode()

	attempts, err := backoff.Retry(ctx, n.clock, n.policy, func(attempt int) error {
		if err := n.post(ctx, form); err != nil {
			n.logger.Warn("Chat post failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		n.logger.Error("Chat message dropped", zap.Int("attempts", attempts), zap.String("text", message), zap.Error(err))
		return false
	}
	n.logger.Debug("Chat message posted", zap.Int("attempts", attempts))
	return true
}

func (n *SlackNotifier) post(ctx context.Context, form string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, strings.NewReader(form))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
