package backoff

import (
	"sync"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

var (
	_ backoffv4.Clock = (*FakeClock)(nil)
	_ backoffv4.Timer = (*fakeTimer)(nil)
)

// FakeClock 记录每次等待的时长并立即返回，用于测试重试逻辑
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTimer() backoffv4.Timer {
	return &fakeTimer{clock: c, ch: make(chan time.Time, 1)}
}

// advance 推进时间并记录等待时长
func (c *FakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return c.now
}

// Sleeps 返回迄今为止所有等待时长的副本
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// fakeTimer Start 时立即触发
type fakeTimer struct {
	clock *FakeClock
	ch    chan time.Time
}

func (t *fakeTimer) Start(d time.Duration) {
	now := t.clock.advance(d)
	select {
	case <-t.ch:
	default:
	}
	t.ch <- now
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
