package watcher

import (
	"sync"
	"sync/atomic"
)

// Token is the cancellation signal of a single watch. It is created together
// with the watcher and handed to whoever may cancel it.
type Token struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token cancelled. It reports whether this call was the one
// that cancelled it.
func (t *Token) Cancel() bool {
	first := false
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
		first = true
	})
	return first
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed on cancellation; it lets a sleeping watcher wake early.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
