// Package forwarder moves envelopes between the in-process bus and the
// room's data channel. Outbound: a fixed topic set is drained by a single
// goroutine that allocates strictly increasing sequence numbers, filters
// stealth participants, and sends over the transport or a REST fallback,
// mirroring every frame to the local WebSocket hub. Inbound: opaque app
// messages are decoded and dispatched by kind.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-rooms/pkg/bus"
	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/pipeline"
	"github.com/vango-go/vai-rooms/pkg/rooms"
	"github.com/vango-go/vai-rooms/pkg/session/participants"
)

// Mode selects the outbound send path.
type Mode string

const (
	// ModeInproc sends through the session's own transport.
	ModeInproc Mode = "inproc"
	// ModeREST posts frames to the room's send-app-message endpoint.
	ModeREST Mode = "html"
)

const (
	// maxFramePayload caps the serialized frame; bigger payloads are
	// replaced with a truncation marker.
	maxFramePayload = 49 * 1024

	// minInboundLen guards against implausibly short app messages.
	minInboundLen = 3

	outQueueSize = 256

	noteContextHeader = "[ACTIVE NOTE CONTEXT]"
	notePreviewMax    = 2000
)

// outboundTopics is the fixed set the forwarder relays.
var outboundTopics = []string{
	bus.TopicCallState,
	bus.TopicParticipantJoin,
	bus.TopicParticipantLeave,
	bus.TopicParticipantsChange,
	bus.TopicParticipantIdentity,
	bus.TopicConversationWrapup,
	bus.TopicSessionEnd,
	bus.TopicBotSpeakingStarted,
	bus.TopicBotSpeakingStopped,
	bus.TopicBotTranscript,
}

// Frame is the wire shape of one outbound envelope. TS is epoch
// milliseconds.
type Frame struct {
	V                 int    `json:"v"`
	Kind              string `json:"kind"`
	Seq               uint64 `json:"seq"`
	TS                int64  `json:"ts"`
	Event             string `json:"event"`
	Payload           any    `json:"payload"`
	TargetSessionUser string `json:"targetSessionUserId,omitempty"`
}

// frameKind is the kind tag every outbound frame carries.
const frameKind = "nia.event"

// NoteStore is the KV slice the inbound note events need.
type NoteStore interface {
	SetActiveNote(ctx context.Context, room string, note kv.ActiveNote) error
	ClearActiveNote(ctx context.Context, room string) error
}

// Deps wires the forwarder into the session.
type Deps struct {
	Bus       *bus.Bus
	Transport pipeline.Transport
	Mode      Mode
	Rest      *RestSender
	Hub       *Hub
	Parts     *participants.Manager
	Notes     NoteStore
	Room      string

	// Snapshot builds the current room-state payload for req/gap resync.
	Snapshot func() any
	// QueueSystem queues a system message to the pipeline, optionally
	// running the LLM.
	QueueSystem func(content string, runLLM bool)
	// InjectSystem replaces the header-tagged system message in the LLM
	// context; RemoveInjected cleans it up.
	InjectSystem   func(header, content string)
	RemoveInjected func(header string)
}

type Forwarder struct {
	logger *slog.Logger
	deps   Deps
	now    func() time.Time

	out    chan outItem
	seq    atomic.Uint64
	unsubs []func()

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

type outItem struct {
	event   string
	payload any
}

type Option func(*Forwarder)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

func New(deps Deps, opts ...Option) *Forwarder {
	if deps.Mode == "" {
		deps.Mode = ModeInproc
	}
	f := &Forwarder{
		logger: slog.Default(),
		deps:   deps,
		now:    time.Now,
		out:    make(chan outItem, outQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start subscribes the outbound topics and launches the drain goroutine.
func (f *Forwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		if f.deps.Bus != nil {
			for _, topic := range outboundTopics {
				topic := topic
				f.unsubs = append(f.unsubs, f.deps.Bus.Subscribe(topic, func(_ string, payload any) {
					f.enqueue(topic, payload)
				}))
			}
		}
		go f.drain(ctx)
	})
}

// Stop unsubscribes and shuts the drain loop down after the queue empties.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		for _, unsub := range f.unsubs {
			unsub()
		}
		close(f.out)
	})
}

// Done closes when the drain goroutine has exited.
func (f *Forwarder) Done() <-chan struct{} { return f.done }

// Seq returns the last allocated sequence number.
func (f *Forwarder) Seq() uint64 { return f.seq.Load() }

func (f *Forwarder) enqueue(event string, payload any) {
	if f.stealthFiltered(event, payload) {
		f.logger.Debug("stealth event dropped", "event", event)
		return
	}
	defer func() {
		// Stop may close the queue while a subscriber is publishing.
		_ = recover()
	}()
	select {
	case f.out <- outItem{event: event, payload: payload}:
	default:
		f.logger.Warn("outbound queue full, frame dropped", "event", event)
	}
}

// stealthFiltered drops join/leave frames for stealth participants before
// they ever hit the wire.
func (f *Forwarder) stealthFiltered(event string, payload any) bool {
	if event != bus.TopicParticipantJoin && event != bus.TopicParticipantLeave {
		return false
	}
	if f.deps.Parts == nil {
		return false
	}
	pid := payloadString(payload, "participant")
	if pid == "" {
		return false
	}
	if f.deps.Parts.IsStealthID(pid) {
		return true
	}
	if p, ok := f.deps.Parts.Lookup(pid); ok && p.IsStealth() {
		return true
	}
	return false
}

// drain is the single producer path: sequence allocation and sends happen
// only here, so frames leave in allocation order.
func (f *Forwarder) drain(ctx context.Context) {
	defer close(f.done)
	for item := range f.out {
		frame := Frame{
			V:       1,
			Kind:    frameKind,
			Seq:     f.seq.Add(1),
			TS:      f.now().UnixMilli(),
			Event:   item.event,
			Payload: item.payload,
		}
		f.send(ctx, frame)
	}
}

func (f *Forwarder) send(ctx context.Context, frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		f.logger.Warn("frame marshal failed", "event", frame.Event, "error", err)
		return
	}
	if len(raw) > maxFramePayload {
		frame.Payload = map[string]any{"truncated": true}
		raw, err = json.Marshal(frame)
		if err != nil {
			return
		}
	}

	switch f.deps.Mode {
	case ModeREST:
		if f.deps.Rest != nil {
			f.deps.Rest.Send(ctx, raw)
		}
	default:
		if f.deps.Transport != nil {
			if err := f.deps.Transport.SendAppMessage(ctx, raw, ""); err != nil {
				// Fall back to the plain message path.
				if err2 := f.deps.Transport.SendMessage(ctx, raw); err2 != nil {
					f.logger.Warn("outbound send failed", "event", frame.Event, "error", err2)
				}
			}
		}
	}

	if f.deps.Hub != nil {
		f.deps.Hub.Broadcast(f.roomName(), raw)
	}
}

func (f *Forwarder) roomName() string {
	if f.deps.Room != "" {
		return f.deps.Room
	}
	if f.deps.Transport != nil {
		return rooms.Name(f.deps.Transport.RoomURL())
	}
	return ""
}

// EmitSnapshot pushes an out-of-band snapshot frame for resync. Clients use
// seq to detect the gap it fills.
func (f *Forwarder) EmitSnapshot(reason string) {
	if f.deps.Snapshot == nil {
		return
	}
	f.enqueue("room.snapshot", map[string]any{
		"reason": reason,
		"state":  f.deps.Snapshot(),
	})
}

// HandleIncoming decodes one opaque app message and dispatches by kind.
// Anything undecodable or implausibly short is dropped silently.
func (f *Forwarder) HandleIncoming(ctx context.Context, raw []byte, senderID string) {
	if len(raw) < minInboundLen {
		return
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Debug("inbound message not json", "error", err)
		return
	}

	kind, _ := msg["kind"].(string)
	switch kind {
	case "req":
		if action, _ := msg["action"].(string); action == "snapshot" {
			f.EmitSnapshot("req")
		}
	case "gap":
		f.EmitSnapshot("gap")
	case "nia.tool_invoke":
		f.handleToolInvoke(msg)
	case "nia.event":
		f.handleNiaEvent(ctx, msg, senderID)
	default:
		f.logger.Debug("inbound message ignored", "kind", kind)
	}
}

// handleToolInvoke translates a client tool request into a system message.
// The LLM decides whether to actually call the tool; we never invoke it
// directly from the wire.
func (f *Forwarder) handleToolInvoke(msg map[string]any) {
	if f.deps.QueueSystem == nil {
		return
	}
	tool, _ := msg["tool_name"].(string)
	if tool == "" {
		// Legacy clients send "tool".
		tool, _ = msg["tool"].(string)
	}
	if strings.TrimSpace(tool) == "" {
		return
	}
	params, _ := json.Marshal(msg["params"])
	f.deps.QueueSystem(
		fmt.Sprintf("TOOL INVOCATION REQUEST: call `%s` with parameters: %s", tool, string(params)),
		true,
	)
}

// handleNiaEvent republishes one client event on the internal bus under the
// topic the message carries, then applies the note/wonder side effects.
func (f *Forwarder) handleNiaEvent(ctx context.Context, msg map[string]any, senderID string) {
	topic, _ := msg["event"].(string)
	if topic == "" {
		return
	}
	payload, _ := msg["payload"].(map[string]any)

	if f.deps.Bus != nil {
		f.deps.Bus.Publish(topic, payload)
	}

	switch topic {
	case "note.open", "note.update":
		f.applyNoteContext(ctx, payload, senderID)
	case "note.close":
		f.clearNoteContext(ctx)
	case "wonder.interaction":
		if f.deps.QueueSystem != nil {
			detail, _ := json.Marshal(payload)
			f.deps.QueueSystem("The user interacted with the wonder experience: "+string(detail), true)
		}
	}
}

func (f *Forwarder) applyNoteContext(ctx context.Context, payload map[string]any, senderID string) {
	noteID, _ := payload["noteId"].(string)
	title, _ := payload["title"].(string)
	owner, _ := payload["ownerUserId"].(string)
	if owner == "" {
		owner = senderID
	}
	content, _ := payload["content"].(string)
	if len(content) > notePreviewMax {
		// Back up to a rune boundary so the preview stays valid UTF-8.
		cut := notePreviewMax
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "…"
	}

	if f.deps.Notes != nil && noteID != "" {
		note := kv.ActiveNote{NoteID: noteID, OwnerUserID: owner, NoteTitle: title}
		if err := f.deps.Notes.SetActiveNote(ctx, f.deps.Room, note); err != nil && err != kv.ErrDisabled {
			f.logger.Warn("active note update failed", "note", noteID, "error", err)
		}
	}
	if f.deps.InjectSystem != nil {
		f.deps.InjectSystem(noteContextHeader,
			fmt.Sprintf("%s\nThe room is looking at note %q (%s).\n%s", noteContextHeader, title, noteID, content))
	}
}

func (f *Forwarder) clearNoteContext(ctx context.Context) {
	if f.deps.Notes != nil {
		if err := f.deps.Notes.ClearActiveNote(ctx, f.deps.Room); err != nil && err != kv.ErrDisabled {
			f.logger.Warn("active note clear failed", "error", err)
		}
	}
	if f.deps.RemoveInjected != nil {
		f.deps.RemoveInjected(noteContextHeader)
	}
}

func payloadString(payload any, key string) string {
	switch v := payload.(type) {
	case map[string]any:
		if s, ok := v[key].(string); ok {
			return s
		}
	case map[string]string:
		return v[key]
	}
	return ""
}
