package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// LLM produces the assistant's next utterance from the conversation context.
type LLM func(ctx context.Context, messages []Message) (string, error)

// Publisher is the bus hook the task emits speaking/transcript events through.
type Publisher func(topic string, payload any)

// Speaking/transcript payload field names are part of the data-channel
// contract; see the forwarder.
const (
	frameQueueSize = 64
)

var ErrTaskClosed = errors.New("pipeline: task closed")

// Task is the cooperative pipeline runner: it drains queued frames, appends
// them to the LLM context, and, when a frame asks for it, runs the LLM and
// publishes speaking lifecycle events.
type Task struct {
	llmCtx  *Context
	llm     LLM
	publish Publisher
	logger  *slog.Logger
	now     func() time.Time

	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}
}

type TaskOption func(*Task)

func WithTaskLogger(logger *slog.Logger) TaskOption {
	return func(t *Task) { t.logger = logger }
}

func WithTaskClock(now func() time.Time) TaskOption {
	return func(t *Task) { t.now = now }
}

func NewTask(llmCtx *Context, llm LLM, publish Publisher, opts ...TaskOption) *Task {
	if llmCtx == nil {
		llmCtx = NewContext()
	}
	if publish == nil {
		publish = func(string, any) {}
	}
	t := &Task{
		llmCtx:  llmCtx,
		llm:     llm,
		publish: publish,
		logger:  slog.Default(),
		now:     time.Now,
		frames:  make(chan Frame, frameQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Queue hands a frame to the pipeline. It blocks only when the frame queue is
// full, and gives up when ctx or the task ends.
func (t *Task) Queue(ctx context.Context, f Frame) error {
	if t == nil {
		return ErrTaskClosed
	}
	select {
	case t.frames <- f:
		return nil
	case <-t.done:
		return ErrTaskClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a running task. Safe to call more than once.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Run drains frames until ctx is done. Returns nil on cancellation.
func (t *Task) Run(ctx context.Context) error {
	if t == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-t.frames:
			t.llmCtx.Append(f.Messages...)
			if !f.RunLLM {
				continue
			}
			if err := t.runLLM(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				t.logger.Warn("pipeline llm turn failed", "error", err)
				// Degraded path: short spoken apology, never a stack trace.
				t.speak(ctx, "Sorry, I'm having trouble right now.")
			}
		}
	}
}

func (t *Task) runLLM(ctx context.Context) error {
	if t.llm == nil {
		return nil
	}
	text, err := t.llm(ctx, t.llmCtx.Messages())
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	t.llmCtx.Append(Message{Role: "assistant", Content: text})
	t.speak(ctx, text)
	return nil
}

func (t *Task) speak(ctx context.Context, text string) {
	if ctx.Err() != nil {
		return
	}
	startedAt := t.now().UnixMilli()
	t.publish("bot.speaking.started", map[string]any{"ts": startedAt})
	t.publish("bot.transcript", map[string]any{"text": text, "final": true})
	t.publish("bot.speaking.stopped", map[string]any{"ts": t.now().UnixMilli(), "durationMs": t.now().UnixMilli() - startedAt})
}
