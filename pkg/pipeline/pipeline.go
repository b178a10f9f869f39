// Package pipeline defines the contract between the session orchestrator and
// the streaming audio/LLM pipeline. The pipeline itself (LLM inference, STT,
// TTS, WebRTC transport) is an external collaborator; this package carries the
// injectable builder, the transport interface, the LLM context, and the frame
// queue the rest of the runtime programs against.
package pipeline

import (
	"context"
	"strings"
	"sync"
)

// Message is one entry in the LLM conversation context.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Frame is a unit of work queued to the pipeline: context to append and
// whether the LLM should run on it.
type Frame struct {
	Messages []Message
	RunLLM   bool
}

// Context is the shared LLM conversation context. Injected system messages
// may carry a header; a later injection with the same header replaces the
// earlier one so repeated note-context updates do not pile up.
type Context struct {
	mu       sync.Mutex
	messages []Message
	headers  map[string]int // header -> index in messages
}

func NewContext(seed ...Message) *Context {
	return &Context{
		messages: append([]Message(nil), seed...),
		headers:  make(map[string]int),
	}
}

func (c *Context) Append(msgs ...Message) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
}

// InjectSystem appends a system message. A non-empty header makes the
// injection replaceable: the next InjectSystem with the same header overwrites
// this one in place.
func (c *Context) InjectSystem(header, content string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if header != "" {
		if idx, ok := c.headers[header]; ok && idx < len(c.messages) {
			c.messages[idx] = Message{Role: "system", Content: content}
			return
		}
		c.headers[header] = len(c.messages)
	}
	c.messages = append(c.messages, Message{Role: "system", Content: content})
}

// RemoveInjected drops a previously injected header-tagged message.
func (c *Context) RemoveInjected(header string) {
	if c == nil || header == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.headers[header]
	if !ok || idx >= len(c.messages) {
		return
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	delete(c.headers, header)
	for h, i := range c.headers {
		if i > idx {
			c.headers[h] = i - 1
		}
	}
}

// Messages returns a snapshot of the context.
func (c *Context) Messages() []Message {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Transport is the WebRTC transport surface the runtime needs: app-message
// send with an optional recipient ("" broadcasts) and a legacy frame send.
type Transport interface {
	RoomURL() string
	SendAppMessage(ctx context.Context, data []byte, recipient string) error
	SendMessage(ctx context.Context, data []byte) error
}

// LoopbackTransport is the transport for runs without a media backend:
// app-message sends succeed without going anywhere, so local WS observers
// (fed separately by the forwarder hub) remain the only frame consumers.
type LoopbackTransport struct {
	Room string
}

func (t LoopbackTransport) RoomURL() string { return t.Room }

func (t LoopbackTransport) SendAppMessage(context.Context, []byte, string) error { return nil }

func (t LoopbackTransport) SendMessage(context.Context, []byte) error { return nil }

// SendPatch wraps a transport so sends addressed to the "api" pseudo-recipient
// are rewritten to broadcast.
func SendPatch(t Transport) Transport {
	if t == nil {
		return nil
	}
	return patchedTransport{inner: t}
}

type patchedTransport struct {
	inner Transport
}

func (p patchedTransport) RoomURL() string { return p.inner.RoomURL() }

func (p patchedTransport) SendAppMessage(ctx context.Context, data []byte, recipient string) error {
	if strings.EqualFold(strings.TrimSpace(recipient), "api") {
		recipient = ""
	}
	return p.inner.SendAppMessage(ctx, data, recipient)
}

func (p patchedTransport) SendMessage(ctx context.Context, data []byte) error {
	return p.inner.SendMessage(ctx, data)
}
