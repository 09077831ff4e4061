package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"quotestreamv1/internal/model"
)

func TestQueueFIFO(t *testing.T) {
	q := NewDeliveryQueue()
	for i := 0; i < 5; i++ {
		q.Push(Item{Ticker: fmt.Sprintf("%06d", i)})
	}
	if q.Len() != 5 {
		t.Fatalf("len = %d, want 5", q.Len())
	}
	for i := 0; i < 5; i++ {
		it, ok := q.Pop(time.Second)
		if !ok {
			t.Fatalf("pop %d timed out", i)
		}
		if want := fmt.Sprintf("%06d", i); it.Ticker != want {
			t.Errorf("pop %d = %s, want %s", i, it.Ticker, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("len after drain = %d", q.Len())
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewDeliveryQueue()
	start := time.Now()
	_, ok := q.Pop(50 * time.Millisecond)
	if ok {
		t.Fatal("pop on empty queue should time out")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("pop returned after %v, want ~50ms wait", elapsed)
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewDeliveryQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(Item{Ticker: "005930"})
	}()
	it, ok := q.Pop(time.Second)
	if !ok {
		t.Fatal("pop missed the concurrent push")
	}
	if it.Ticker != "005930" {
		t.Errorf("ticker = %s", it.Ticker)
	}
}

func TestConsumerPreservesOrder(t *testing.T) {
	q := NewDeliveryQueue()
	pub := NewMemoryPublisher()
	c := NewConsumer(q, pub)
	c.PollTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	const n = 20
	for i := 0; i < n; i++ {
		q.Push(Item{
			Ticker: "005930",
			Tick:   model.Tick{Ticker: "005930", Price: int64(70000 + i)},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.Published() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := pub.Messages()
	if len(msgs) != n {
		t.Fatalf("published %d, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Channel != "realtime:price:005930" {
			t.Fatalf("channel = %s", m.Channel)
		}
		if m.Tick.Price != int64(70000+i) {
			t.Errorf("msg %d price = %d, order broken", i, m.Tick.Price)
		}
	}
}

func TestConsumerStopsOnCancel(t *testing.T) {
	q := NewDeliveryQueue()
	c := NewConsumer(q, NewMemoryPublisher())
	c.PollTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !c.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.Running() {
		t.Fatal("consumer never started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	if c.Running() {
		t.Error("Running() still true after stop")
	}
}

func TestConsumerOnPublishHook(t *testing.T) {
	q := NewDeliveryQueue()
	pub := NewMemoryPublisher()
	c := NewConsumer(q, pub)
	c.PollTimeout = 10 * time.Millisecond

	got := make(chan Item, 1)
	c.OnPublish = func(it Item, ok bool) {
		if !ok {
			t.Error("memory publish should report ok")
		}
		got <- it
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	q.Push(Item{Ticker: "000660", Tick: model.Tick{Ticker: "000660", Price: 250000}})
	select {
	case it := <-got:
		if it.Ticker != "000660" {
			t.Errorf("hook ticker = %s", it.Ticker)
		}
	case <-time.After(time.Second):
		t.Fatal("hook never fired")
	}
}
