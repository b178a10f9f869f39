package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublish_TopicThenWildcardOrder(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe("a.topic", func(topic string, payload any) {
		order = append(order, "topic:"+topic)
	})
	b.Subscribe(Wildcard, func(topic string, payload any) {
		order = append(order, "wild:"+topic)
	})

	env := b.Publish("a.topic", map[string]any{"k": "v"})
	if env.Type != "a.topic" || env.Version != SchemaVersion {
		t.Fatalf("envelope type=%q version=%q", env.Type, env.Version)
	}
	if env.ID == "" || env.TS == "" {
		t.Fatalf("envelope missing id/ts: %+v", env)
	}
	if len(order) != 2 || order[0] != "topic:a.topic" || order[1] != "wild:a.topic" {
		t.Fatalf("delivery order=%v", order)
	}
}

func TestPublish_EachSubscriberExactlyOnce(t *testing.T) {
	b := New()
	var a, c, w atomic.Int64
	b.Subscribe("t", func(string, any) { a.Add(1) })
	b.Subscribe("t", func(string, any) { c.Add(1) })
	b.Subscribe(Wildcard, func(string, any) { w.Add(1) })

	b.Publish("t", nil)
	b.Publish("other", nil)

	if a.Load() != 1 || c.Load() != 1 {
		t.Fatalf("topic subscribers invoked %d/%d, want 1/1", a.Load(), c.Load())
	}
	if w.Load() != 2 {
		t.Fatalf("wildcard invoked %d, want 2", w.Load())
	}
}

func TestPublish_PanickingSubscriberDoesNotSuppressOthers(t *testing.T) {
	b := New()
	var after atomic.Int64
	b.Subscribe("t", func(string, any) { panic("boom") })
	b.Subscribe("t", func(string, any) { after.Add(1) })

	b.Publish("t", nil)
	if after.Load() != 1 {
		t.Fatalf("subscriber after panic invoked %d, want 1", after.Load())
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	var n atomic.Int64
	unsub := b.Subscribe("t", func(string, any) { n.Add(1) })
	b.Publish("t", nil)
	unsub()
	unsub()
	b.Publish("t", nil)
	if n.Load() != 1 {
		t.Fatalf("invocations=%d, want 1", n.Load())
	}
}

func TestStreamQueue_DropOldestNeverBlocks(t *testing.T) {
	b := New(WithStreamCapacity(2))
	q := b.RegisterStream()
	defer b.UnregisterStream(q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish("t", i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full stream queue")
	}

	// Queue holds the two newest envelopes.
	first := <-q
	second := <-q
	if first.Data.(int) != 3 || second.Data.(int) != 4 {
		t.Fatalf("queue contents=%v,%v, want 3,4", first.Data, second.Data)
	}
}

func TestReset_KeepsStreams(t *testing.T) {
	b := New()
	var n atomic.Int64
	b.Subscribe("t", func(string, any) { n.Add(1) })
	q := b.RegisterStream()
	defer b.UnregisterStream(q)

	b.Reset()
	b.Publish("t", "x")

	if n.Load() != 0 {
		t.Fatalf("subscriber survived Reset")
	}
	select {
	case env := <-q:
		if env.Data != "x" {
			t.Fatalf("stream data=%v", env.Data)
		}
	default:
		t.Fatal("stream queue did not receive after Reset")
	}
}

func TestStream_ClosesOnContextDone(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	out := b.Stream(ctx)

	b.Publish("t", 1)
	select {
	case env := <-out:
		if env.Data.(int) != 1 {
			t.Fatalf("data=%v", env.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope on stream")
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			// A buffered envelope may still drain; the channel must close next.
			if _, ok := <-out; ok {
				t.Fatal("stream did not close after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}
