package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sig-bridge/pkg/backoff"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSlackNotifierRetriesThenSucceeds(t *testing.T) {
	var calls int32
	var got chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.NoError(t, r.ParseForm())
		_ = json.Unmarshal([]byte(r.PostForm.Get("payload")), &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := backoff.NewFakeClock(time.Unix(0, 0))
	n := NewSlackNotifier(ChatConfig{
		Endpoint: srv.URL,
		Channel:  "#test_bed",
		Username: "sb-bot",
		Icon:     ":satellite:",
		Clock:    clock,
	}, zap.NewNop())

	assert.True(t, n.Post(context.Background(), "buy 225 VXX @ market"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Equal(t, chatPayload{Channel: "#test_bed", Username: "sb-bot", IconEmoji: ":satellite:", Text: "buy 225 VXX @ market"}, got)
}

func TestSlackNotifierGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewSlackNotifier(ChatConfig{
		Endpoint:    srv.URL,
		MaxAttempts: 3,
		Clock:       backoff.NewFakeClock(time.Unix(0, 0)),
	}, zap.NewNop())

	assert.False(t, n.Post(context.Background(), "sell 1 SPY @ market"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSlackNotifierUnreachableEndpoint(t *testing.T) {
	n := NewSlackNotifier(ChatConfig{
		Endpoint:    "http://127.0.0.1:1/hook",
		MaxAttempts: 2,
		Timeout:     time.Second,
		Clock:       backoff.NewFakeClock(time.Unix(0, 0)),
	}, zap.NewNop())

	assert.False(t, n.Post(context.Background(), "x"))
}
