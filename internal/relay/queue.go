// Package relay moves ticks from the source adapter's execution context
// to the single-threaded publishing loop, and publishes them to the
// message broker.
//
// The tick handler that feeds the broker never publishes directly: it
// pushes onto the DeliveryQueue and returns, so the adapter's (possibly
// foreign) thread never blocks on network I/O. A single consumer owns the
// read side and preserves arrival order end to end.
package relay

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"quotestreamv1/internal/model"
)

// Item is one queued (ticker, tick) pair.
type Item struct {
	Ticker string
	Tick   model.Tick
}

// DeliveryQueue is a concurrency-safe unbounded FIFO. Any number of
// producers may Push; exactly one consumer drains via Pop.
type DeliveryQueue struct {
	mu     sync.Mutex
	items  []Item
	signal chan struct{}
}

// NewDeliveryQueue creates an empty queue.
func NewDeliveryQueue() *DeliveryQueue {
	return &DeliveryQueue{signal: make(chan struct{}, 1)}
}

// Push appends an item. Never blocks.
func (q *DeliveryQueue) Push(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, waiting up to timeout when the queue is
// empty. ok is false on timeout.
func (q *DeliveryQueue) Pop(timeout time.Duration) (Item, bool) {
	if it, ok := q.take(); ok {
		return it, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if it, ok := q.take(); ok {
				return it, true
			}
		case <-timer.C:
			// One last look: a Push may have landed after the signal
			// was consumed by a previous Pop.
			return q.take()
		}
	}
}

func (q *DeliveryQueue) take() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// Len reports the current depth, for monitoring.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Consumer is the dedicated publish-loop task. No two consumers may drain
// the same queue concurrently.
type Consumer struct {
	queue *DeliveryQueue
	pub   Publisher

	// PollTimeout bounds each queue wait so a cancellation request is
	// observed promptly. Defaults to 100ms.
	PollTimeout time.Duration

	// OnPublish is an optional hook fired after each publish attempt
	// with its outcome. Used for metrics.
	OnPublish func(it Item, ok bool)

	running int32
}

// NewConsumer creates a consumer for the given queue and publisher.
func NewConsumer(queue *DeliveryQueue, pub Publisher) *Consumer {
	return &Consumer{queue: queue, pub: pub, PollTimeout: 100 * time.Millisecond}
}

// Run drains the queue in strict FIFO order until ctx is cancelled.
// Blocks; start it on its own goroutine.
func (c *Consumer) Run(ctx context.Context) {
	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)

	log.Println("[relay] publish loop started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[relay] publish loop stopped (%d items left)", c.queue.Len())
			return
		default:
		}

		it, ok := c.queue.Pop(c.PollTimeout)
		if !ok {
			continue
		}
		published := c.pub.Publish(ctx, it.Ticker, it.Tick)
		if c.OnPublish != nil {
			c.OnPublish(it, published)
		}
	}
}

// Running reports whether the publish loop is active.
func (c *Consumer) Running() bool {
	return atomic.LoadInt32(&c.running) == 1
}
