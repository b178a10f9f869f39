// Package adminpoll drains the room's admin queues: the per-room queue and
// the pre-spawn queue keyed by the canonical room URL. One poller runs per
// session; a dead KV connection degrades the session to no admin messaging
// instead of killing it.
package adminpoll

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
)

const (
	// DefaultInterval is the queue drain cadence.
	DefaultInterval = 500 * time.Millisecond

	// reconnectEvery triggers a reconnect after this many consecutive errors.
	reconnectEvery = 5
	// backoffAfter triggers a long backoff and counter reset.
	backoffAfter = 10

	connectRetries = 3
	connectRetryIn = time.Second
	errorBackoff   = 5 * time.Second
)

// Queue is the KV slice the poller drains.
type Queue interface {
	PopAdminMessage(ctx context.Context, room string) ([]byte, error)
	PopPreSpawnMessage(ctx context.Context, roomURL string) ([]byte, error)
}

// Connect (re)establishes the queue client.
type Connect func(ctx context.Context) (Queue, error)

// AdminMessage is the normalised shape of a type=admin_message payload.
type AdminMessage struct {
	Prompt     string         `json:"prompt"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Mode       string         `json:"mode"`
	Timestamp  string         `json:"timestamp"`
	RoomURL    string         `json:"room_url"`
	Context    map[string]any `json:"context,omitempty"`
}

// Handlers receive the three message shapes the queues carry.
type Handlers struct {
	// NoteContext gets type=note_context events, structured.
	NoteContext func(event map[string]any)
	// Admin gets normalised admin messages.
	Admin func(msg AdminMessage)
	// Prompt gets everything else, as a plain prompt string.
	Prompt func(prompt string)
}

// Poller drains both admin queues for one room.
type Poller struct {
	logger   *slog.Logger
	room     string
	roomURL  string
	connect  Connect
	handlers Handlers
	interval time.Duration
	backoff  time.Duration
}

type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.backoff = d
		}
	}
}

func New(room, roomURL string, connect Connect, handlers Handlers, opts ...Option) *Poller {
	p := &Poller{
		logger:   slog.Default(),
		room:     room,
		roomURL:  roomURL,
		connect:  connect,
		handlers: handlers,
		interval: DefaultInterval,
		backoff:  errorBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. A connect failure after retries returns;
// the session keeps running without admin messaging.
func (p *Poller) Run(ctx context.Context) error {
	queue, err := p.connectWithRetry(ctx)
	if err != nil {
		p.logger.Warn("admin poll disabled, connect failed", "room", p.room, "error", err)
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.drainOnce(ctx, queue); err != nil {
			consecutive++
			p.logger.Warn("admin queue drain failed", "room", p.room, "consecutive", consecutive, "error", err)
			switch {
			case consecutive >= backoffAfter:
				consecutive = 0
				if !sleep(ctx, p.backoff) {
					return ctx.Err()
				}
			case consecutive%reconnectEvery == 0:
				if fresh, cerr := p.connect(ctx); cerr == nil {
					queue = fresh
				}
			}
			continue
		}
		consecutive = 0
	}
}

func (p *Poller) connectWithRetry(ctx context.Context) (Queue, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		queue, err := p.connect(ctx)
		if err == nil {
			return queue, nil
		}
		lastErr = err
		p.logger.Warn("admin queue connect failed", "room", p.room, "attempt", attempt, "error", err)
		if attempt < connectRetries && !sleep(ctx, connectRetryIn) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// drainOnce empties both queues. An empty queue is not an error; a disabled
// KV client means there is nothing to poll and the loop just idles.
func (p *Poller) drainOnce(ctx context.Context, queue Queue) error {
	for {
		raw, err := queue.PopAdminMessage(ctx, p.room)
		if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrDisabled) {
			break
		}
		if err != nil {
			return err
		}
		p.dispatch(raw)
	}
	for {
		raw, err := queue.PopPreSpawnMessage(ctx, p.roomURL)
		if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrDisabled) {
			break
		}
		if err != nil {
			return err
		}
		p.dispatch(raw)
	}
	return nil
}

// dispatch parses one queued message and routes it by type. Anything that is
// not JSON, or carries no recognised type, is treated as a plain prompt.
func (p *Poller) dispatch(raw []byte) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.prompt(text)
		return
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "note_context":
		if p.handlers.NoteContext != nil {
			event, _ := msg["event"].(map[string]any)
			if event == nil {
				event = msg
			}
			p.handlers.NoteContext(event)
		}
	case "admin_message":
		if p.handlers.Admin != nil {
			p.handlers.Admin(normalise(msg))
		}
	default:
		if prompt, ok := msg["prompt"].(string); ok && strings.TrimSpace(prompt) != "" {
			p.prompt(prompt)
			return
		}
		p.prompt(text)
	}
}

func (p *Poller) prompt(text string) {
	if p.handlers.Prompt != nil {
		p.handlers.Prompt(text)
	}
}

func normalise(msg map[string]any) AdminMessage {
	str := func(key string) string {
		if s, ok := msg[key].(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	out := AdminMessage{
		Prompt:     str("prompt"),
		SenderID:   str("senderId"),
		SenderName: str("senderName"),
		Mode:       str("mode"),
		Timestamp:  str("timestamp"),
		RoomURL:    str("room_url"),
	}
	if out.Prompt == "" {
		out.Prompt = str("message")
	}
	if ctx, ok := msg["context"].(map[string]any); ok {
		out.Context = ctx
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
