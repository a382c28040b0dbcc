package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestNotifier(t *testing.T, handler http.HandlerFunc, retries int) *TelegramNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n := NewTelegramNotifier("tok", "42", retries, 0)
	n.apiBase = srv.URL
	return n
}

func TestTelegramNotifier_Send(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		assert.Equal(t, "hello", r.PostForm.Get("text"))
	}, 1)

	assert.NoError(t, n.Send("hello"))
}

func TestTelegramNotifier_SendWithRetry(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}, 3)

	assert.NoError(t, n.SendWithRetry(context.Background(), "hello"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTelegramNotifier_SendWithRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, 2)

	assert.Error(t, n.SendWithRetry(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramNotifier_SendWithRetry_StopsWhenContextDone(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 5)
	n.Delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.Error(t, n.SendWithRetry(ctx, "hello"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.Send("x"))
	assert.NoError(t, n.SendWithRetry(context.Background(), "x"))
}
