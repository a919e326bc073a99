package backoff

import (
	"context"
	"math"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// Stop 退避序列结束，不再重试
const Stop = backoffv4.Stop

// Policy 为每一轮重试生成一个新的退避序列
type Policy interface {
	NewBackOff(clock Clock) backoffv4.BackOff
}

// Exponential 指数退避: Initial * Multiplier^(n-1)，超过 Max 时截断，不加随机抖动。
// MaxAttempts 是总尝试次数，<= 0 表示不限次数。
type Exponential struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

func (e Exponential) NewBackOff(clock Clock) backoffv4.BackOff {
	b := backoffv4.NewExponentialBackOff()
	b.InitialInterval = e.Initial
	b.RandomizationFactor = 0
	b.Multiplier = e.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = e.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()
	return withMaxAttempts(b, e.MaxAttempts)
}

// Linear 线性退避: 第 n 次失败后等待 Step * n。总尝试次数不超过 MaxAttempts。
type Linear struct {
	Step        time.Duration
	MaxAttempts int
}

func (l Linear) NewBackOff(Clock) backoffv4.BackOff {
	return withMaxAttempts(&linearBackOff{step: l.Step}, l.MaxAttempts)
}

type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// withMaxAttempts 总尝试次数换算成库里的重试次数
func withMaxAttempts(b backoffv4.BackOff, maxAttempts int) backoffv4.BackOff {
	if maxAttempts <= 0 {
		return b
	}
	return backoffv4.WithMaxRetries(b, uint64(maxAttempts-1))
}

// Clock 时间源，同时为重试循环提供定时器。测试中替换成不真正等待的实现。
type Clock interface {
	backoffv4.Clock
	NewTimer() backoffv4.Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer() backoffv4.Timer { return &realTimer{} }

// realTimer 基于 time.Timer，实现 backoffv4.Timer
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

// RealClock 使用系统时间
var RealClock Clock = realClock{}

// Sleep 等待 d，ctx 取消时提前返回 ctx.Err()
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer()
	t.Start(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Retry 反复调用 fn 直到成功、策略放弃或 ctx 被取消。
// 返回实际尝试的次数和最后一次 fn 的错误。
func Retry(ctx context.Context, clock Clock, policy Policy, fn func(attempt int) error) (int, error) {
	attempt := 0
	var last error

	b := backoffv4.WithContext(policy.NewBackOff(clock), ctx)
	err := backoffv4.RetryNotifyWithTimer(func() error {
		attempt++
		last = fn(attempt)
		return last
	}, b, nil, clock.NewTimer())

	if err != nil && last != nil {
		return attempt, last
	}
	return attempt, err
}
