package callclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"call-signaling/pkg/logger"
)

// seenLimit bounds the dedupe set.
const seenLimit = 1024

// Watcher polls the caller's event stream from a cursor and hands each logical
// notification to the callback once, even when the server delivers it twice.
type Watcher struct {
	client  *Client
	handle  func(Event)
	wait    time.Duration
	backoff time.Duration

	cursor atomic.Int64

	seen  map[string]struct{}
	order []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(c *Client, since int64, handle func(Event)) *Watcher {
	w := &Watcher{
		client:  c,
		handle:  handle,
		wait:    25 * time.Second,
		backoff: time.Second,
		seen:    make(map[string]struct{}),
	}
	w.cursor.Store(since)
	return w
}

// Cursor is the position after the last delivered event.
func (w *Watcher) Cursor() int64 { return w.cursor.Load() }

// Start runs the poll loop in the background until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context) {
	for ctx.Err() == nil {
		events, next, err := w.client.Poll(ctx, w.cursor.Load(), w.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.From(ctx).Warn("event poll failed", "cursor", w.cursor.Load(), "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
			continue
		}
		for _, e := range events {
			w.deliver(e)
		}
		if next > w.cursor.Load() {
			w.cursor.Store(next)
		}
	}
}

func (w *Watcher) deliver(e Event) {
	key := e.IdempotencyKey()
	if _, dup := w.seen[key]; dup {
		return
	}
	w.seen[key] = struct{}{}
	w.order = append(w.order, key)
	if len(w.order) > seenLimit {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	if w.handle != nil {
		w.handle(e)
	}
}
