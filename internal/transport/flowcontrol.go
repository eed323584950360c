package transport

import (
	"context"
	"fmt"
	"sync"
)

// flowWindow is send-side flow-control credit for one stream or one
// connection. Credit is mutated only through reserve (may suspend) and
// release (wakes waiters). Blocked reservers wait on a condition variable
// and are woken together by Broadcast; the order in which waiting and
// newly arriving reservers obtain credit is not defined.
type flowWindow struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int64
	closed    bool
	closeErr  error
}

func newFlowWindow(initial uint32) *flowWindow {
	w := &flowWindow{available: int64(initial)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// reserve blocks until at least 1 and at most want bytes of credit are
// available, then consumes and returns that amount. A want of 0 or less
// returns 0 and a nil error without consuming or waiting.
func (w *flowWindow) reserve(ctx context.Context, want int64) (int64, error) {
	if want <= 0 {
		return 0, nil
	}

	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				w.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.available <= 0 && !w.closed {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		w.cond.Wait()
	}
	if w.closed {
		return 0, w.closeErr
	}
	grant := want
	if grant > w.available {
		grant = w.available
	}
	w.available -= grant
	return grant, nil
}

// release restores n bytes of credit, as a WINDOW_UPDATE does on receipt.
func (w *flowWindow) release(n int64) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.available += n
	w.mu.Unlock()
	w.cond.Broadcast()
}

// closeWithError unblocks every waiter with err; used on stream reset or
// connection teardown so suspended sends fail instead of hanging forever.
func (w *flowWindow) closeWithError(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if err == nil {
		err = fmt.Errorf("transport: flow window closed")
	}
	w.closeErr = err
	w.mu.Unlock()
	w.cond.Broadcast()
}
