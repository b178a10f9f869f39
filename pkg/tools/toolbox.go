package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const argPreviewMax = 300

// BlockedResult is returned when the greeting gate refuses a tool call. The
// RunLLM flag tells the pipeline to run a turn so the injected system message
// takes effect.
type BlockedResult struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	RunLLM bool   `json:"run_llm"`
}

// GateConfig controls the speak-before-tools gate. MaxAttempts bounds how
// many blocked calls inject a system message before the gate goes quiet.
type GateConfig struct {
	RequireGreeting bool
	Wait            time.Duration
	Poll            time.Duration
	MaxAttempts     int
}

// Toolbox wraps a filtered registry with the per-call policy: greeting gate,
// call logging with truncated arguments, and elapsed-time accounting.
type Toolbox struct {
	reg    *Registry
	gate   GateConfig
	logger *slog.Logger
	now    func() time.Time

	// greetingStarted reports whether the bot has begun speaking its greeting.
	greetingStarted func() bool
	// injectSystem queues a system message into the LLM context.
	injectSystem func(content string, runLLM bool)

	mu              sync.Mutex
	blockedAttempts int
}

type ToolboxOption func(*Toolbox)

func WithToolboxLogger(logger *slog.Logger) ToolboxOption {
	return func(t *Toolbox) { t.logger = logger }
}

func WithToolboxClock(now func() time.Time) ToolboxOption {
	return func(t *Toolbox) { t.now = now }
}

func NewToolbox(reg *Registry, gate GateConfig, greetingStarted func() bool, injectSystem func(string, bool), opts ...ToolboxOption) *Toolbox {
	if gate.Wait <= 0 {
		gate.Wait = 8 * time.Second
	}
	if gate.Poll <= 0 {
		gate.Poll = 250 * time.Millisecond
	}
	if gate.MaxAttempts <= 0 {
		gate.MaxAttempts = 3
	}
	if greetingStarted == nil {
		greetingStarted = func() bool { return true }
	}
	if injectSystem == nil {
		injectSystem = func(string, bool) {}
	}
	t := &Toolbox{
		reg:             reg,
		gate:            gate,
		logger:          slog.Default(),
		now:             time.Now,
		greetingStarted: greetingStarted,
		injectSystem:    injectSystem,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Toolbox) Registry() *Registry {
	if t == nil {
		return nil
	}
	return t.reg
}

// Schemas builds the LLM function schemas for the toolbox's registry.
func (t *Toolbox) Schemas(overrides map[string]string) []FunctionSchema {
	if t == nil {
		return nil
	}
	return BuildSchemas(t.reg, overrides)
}

// BlockedAttempts returns the per-room count of calls the greeting gate has
// refused since the last greeting reset.
func (t *Toolbox) BlockedAttempts() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedAttempts
}

// ResetBlockedAttempts is called when greeting speech is observed.
func (t *Toolbox) ResetBlockedAttempts() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.blockedAttempts = 0
	t.mu.Unlock()
}

// Invoke dispatches one tool call through the gate and logging policy.
func (t *Toolbox) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("toolbox is not configured")
	}
	entry, ok := t.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if t.gate.RequireGreeting && !t.greetingStarted() {
		if blocked := t.waitForGreeting(ctx); blocked != nil {
			return blocked, nil
		}
		t.ResetBlockedAttempts()
	}

	start := t.now()
	t.logger.Info("tool call start", "tool", entry.Name, "args", previewArgs(args))

	result, err := entry.Handler(ctx, args)
	elapsed := t.now().Sub(start)
	if err != nil {
		t.logger.Warn("tool call failed", "tool", entry.Name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return nil, err
	}
	t.logger.Info("tool call done", "tool", entry.Name, "elapsed_ms", elapsed.Milliseconds(), "result", previewResult(result))
	return result, nil
}

// waitForGreeting polls until the greeting has started or the bounded wait
// expires. Returns a BlockedResult when the gate stays shut.
func (t *Toolbox) waitForGreeting(ctx context.Context) *BlockedResult {
	deadline := t.now().Add(t.gate.Wait)
	ticker := time.NewTicker(t.gate.Poll)
	defer ticker.Stop()

	for {
		if t.greetingStarted() {
			return nil
		}
		if !t.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return &BlockedResult{Status: "blocked", Reason: "greeting_required", RunLLM: true}
		case <-ticker.C:
		}
	}

	t.mu.Lock()
	t.blockedAttempts++
	attempts := t.blockedAttempts
	t.mu.Unlock()

	t.logger.Info("tool call blocked by greeting gate", "attempts", attempts)
	if attempts > t.gate.MaxAttempts {
		// The model is stuck in a block-retry loop; stop feeding it.
		t.logger.Debug("greeting-gate attempt cap reached, suppressing system message", "max", t.gate.MaxAttempts)
		return &BlockedResult{Status: "blocked", Reason: "greeting_required"}
	}
	t.injectSystem("You must greet the user by speaking before using any tools. Speak your greeting now, then retry the tool.", true)
	return &BlockedResult{Status: "blocked", Reason: "greeting_required", RunLLM: true}
}

func previewArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "<unencodable>"
	}
	return truncatePreview(string(raw))
}

func previewResult(result any) string {
	if result == nil {
		return "null"
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%T", result)
	}
	return truncatePreview(string(raw))
}

func truncatePreview(s string) string {
	if len(s) <= argPreviewMax {
		return s
	}
	return s[:argPreviewMax] + "…"
}

// ParsePromptPayload and SerializePromptPayload round-trip the flat
// string-to-string maps carried in admin prompt messages.
func ParsePromptPayload(raw string) (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func SerializePromptPayload(m map[string]string) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
