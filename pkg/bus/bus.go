// Package bus is the in-process event bus shared by every session component.
// Topic subscribers and wildcard subscribers are invoked synchronously in
// registration order; stream queues fan the same envelopes out to SSE/WS
// consumers with drop-oldest backpressure so Publish never blocks.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is bumped on any breaking envelope payload change.
const SchemaVersion = "1"

// DefaultStreamCapacity bounds each registered stream queue.
const DefaultStreamCapacity = 1000

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Envelope wraps every published payload.
type Envelope struct {
	ID      string `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Data    any    `json:"data"`
}

// Handler receives the topic and the raw payload (not the envelope).
type Handler func(topic string, payload any)

type subscriber struct {
	id int64
	fn Handler
}

type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	nextSubID int64
	topics    map[string][]subscriber
	wildcards []subscriber
	streams   map[chan Envelope]struct{}
	streamCap int
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithStreamCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.streamCap = n
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		now:       time.Now,
		topics:    make(map[string][]subscriber),
		streams:   make(map[chan Envelope]struct{}),
		streamCap: DefaultStreamCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for topic; topic "*" registers a wildcard.
// The returned closure unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(topic string, fn Handler) (unsubscribe func()) {
	if b == nil || fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextSubID++
	sub := subscriber{id: b.nextSubID, fn: fn}
	if topic == Wildcard {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.topics[topic] = append(b.topics[topic], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, sub.id) })
	}
}

func (b *Bus) remove(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == Wildcard {
		b.wildcards = removeByID(b.wildcards, id)
		return
	}
	subs := removeByID(b.topics[topic], id)
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

func removeByID(subs []subscriber, id int64) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish wraps payload in a fresh envelope and delivers it to topic
// subscribers, then wildcard subscribers, then every stream queue. A panicking
// subscriber is logged and does not suppress later subscribers.
func (b *Bus) Publish(topic string, payload any) Envelope {
	env := Envelope{
		ID:      uuid.NewString(),
		TS:      b.clock().UTC().Format(time.RFC3339Nano),
		Type:    topic,
		Version: SchemaVersion,
		Data:    payload,
	}
	if b == nil {
		return env
	}

	b.mu.Lock()
	subs := append([]subscriber(nil), b.topics[topic]...)
	subs = append(subs, b.wildcards...)
	streams := make([]chan Envelope, 0, len(b.streams))
	for q := range b.streams {
		streams = append(streams, q)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(topic, payload, sub.fn)
	}

	for _, q := range streams {
		select {
		case q <- env:
		default:
			// Full: evict the oldest envelope, then enqueue.
			select {
			case <-q:
			default:
			}
			select {
			case q <- env:
			default:
			}
		}
	}
	return env
}

func (b *Bus) invoke(topic string, payload any, fn Handler) {
	defer func() {
		if v := recover(); v != nil {
			b.logger.Warn("bus subscriber panicked", "topic", topic, "panic", v)
		}
	}()
	fn(topic, payload)
}

// RegisterStream creates a bounded fan-out queue. The caller owns the queue
// and must UnregisterStream it when done.
func (b *Bus) RegisterStream() chan Envelope {
	q := make(chan Envelope, b.streamCapacity())
	if b == nil {
		return q
	}
	b.mu.Lock()
	b.streams[q] = struct{}{}
	b.mu.Unlock()
	return q
}

func (b *Bus) UnregisterStream(q chan Envelope) {
	if b == nil || q == nil {
		return
	}
	b.mu.Lock()
	delete(b.streams, q)
	b.mu.Unlock()
}

// Stream registers a queue and yields envelopes until ctx is done, then
// unregisters it.
func (b *Bus) Stream(ctx context.Context) <-chan Envelope {
	out := make(chan Envelope)
	q := b.RegisterStream()
	go func() {
		defer close(out)
		defer b.UnregisterStream(q)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-q:
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Reset clears all subscribers but keeps registered stream queues.
func (b *Bus) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.topics = make(map[string][]subscriber)
	b.wildcards = nil
	b.mu.Unlock()
}

func (b *Bus) clock() time.Time {
	if b == nil || b.now == nil {
		return time.Now()
	}
	return b.now()
}

func (b *Bus) streamCapacity() int {
	if b == nil || b.streamCap <= 0 {
		return DefaultStreamCapacity
	}
	return b.streamCap
}
