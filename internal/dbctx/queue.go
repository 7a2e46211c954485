package dbctx

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("context queue closed")

// queue runs submitted work one item at a time, in submission order, on a
// single goroutine.
type queue struct {
	mu     sync.RWMutex
	closed bool
	work   chan func()
	quit   chan struct{}
	done   chan struct{}
}

func newQueue(size int) *queue {
	q := &queue{
		work: make(chan func(), size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.done)
	for {
		select {
		case fn := <-q.work:
			fn()
		case <-q.quit:
			// Drain what was accepted before close.
			for {
				select {
				case fn := <-q.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn. It blocks while the queue is full.
func (q *queue) submit(ctx context.Context, fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.work <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run submits fn and waits for it to finish.
func (q *queue) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := q.submit(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// close stops accepting work and waits until queued work has run.
func (q *queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.quit)
	}
	q.mu.Unlock()
	<-q.done
}
