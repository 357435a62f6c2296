// Package ratelimit adapts an unbounded producer/consumer queue with a
// token-bucket limiter, giving each outgoing lane of the session its own
// independent rate.
//
// Token bucket: tokens are added at a configured rate per second, up to a
// burst size. Each item consumed costs one token; once the bucket is
// empty, the consumer blocks until it refills. Unlike a leaky bucket
// (constant drain), a token bucket tolerates short bursts — the shape of
// traffic a request/response client actually produces.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"gwsession/internal/unbounded"
)

// Queue is a multi-producer/single-consumer unbounded queue gated by a
// token-bucket limiter. Producers never block on Send; only the consumer
// side (via Out) observes the rate limit.
type Queue[T any] struct {
	limiter *rate.Limiter
	backlog *unbounded.Queue[T]

	out    chan T
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a queue whose consumer may pull at most ratePerSecond
// items per second on average, with bursts up to burst items. The limiter
// is created once, here, and shared across the lifetime of the queue —
// creating a fresh limiter per item would defeat rate limiting entirely.
func NewQueue[T any](ratePerSecond float64, burst int) *Queue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		backlog: unbounded.New[T](),
		out:     make(chan T),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.pump()
	return q
}

// Send enqueues an item. It never blocks: the backlog grows without bound,
// and only the limiter governs how fast items leave via Out. Send is a
// no-op once the queue has been closed.
func (q *Queue[T]) Send(item T) {
	q.backlog.Push(item)
}

// Out returns the channel the I/O task selects on to receive rate-limited
// items. It is closed once the queue is closed.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Close stops the queue. Any items still queued are discarded; Out() is
// closed once the pump goroutine observes the close.
func (q *Queue[T]) Close() {
	q.backlog.Close()
	q.cancel()
}

// pump is the sole goroutine that removes items from the backlog. For each
// item it first awaits a single rate-limit permit, then awaits the next
// queued item — in that order. While the backlog is empty it holds at most
// that one permit, and the bucket keeps refilling up to its burst size, so
// idle time does not waste capacity.
func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}

		item, ok := q.backlog.Pop(q.ctx)
		if !ok {
			return
		}

		select {
		case q.out <- item:
		case <-q.ctx.Done():
			return
		}
	}
}
