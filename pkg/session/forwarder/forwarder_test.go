package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-rooms/pkg/bus"
	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/session/participants"
)

type fakeTransport struct {
	frames chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 32)}
}

func (f *fakeTransport) RoomURL() string { return "https://x.daily.co/test-room" }

func (f *fakeTransport) SendAppMessage(_ context.Context, data []byte, _ string) error {
	f.frames <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) SendMessage(_ context.Context, data []byte) error {
	f.frames <- append([]byte(nil), data...)
	return nil
}

func nextFrame(t *testing.T, tr *fakeTransport) Frame {
	t.Helper()
	select {
	case raw := <-tr.frames:
		var fr Frame
		if err := json.Unmarshal(raw, &fr); err != nil {
			t.Fatalf("frame decode: %v", err)
		}
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestOutbound_MonotonicSeqInOrder(t *testing.T) {
	b := bus.New()
	tr := newFakeTransport()
	f := New(Deps{Bus: b, Transport: tr, Room: "test-room"})
	f.Start(context.Background())
	defer f.Stop()

	b.Publish(bus.TopicCallState, map[string]any{"state": "starting"})
	b.Publish(bus.TopicBotSpeakingStarted, nil)
	b.Publish(bus.TopicBotSpeakingStopped, nil)

	events := []string{bus.TopicCallState, bus.TopicBotSpeakingStarted, bus.TopicBotSpeakingStopped}
	for i, want := range events {
		fr := nextFrame(t, tr)
		if fr.Event != want {
			t.Fatalf("frame %d event=%q, want %q", i, fr.Event, want)
		}
		if fr.Seq != uint64(i+1) {
			t.Fatalf("frame %d seq=%d", i, fr.Seq)
		}
		if fr.V != 1 || fr.Kind != "nia.event" {
			t.Fatalf("frame=%+v", fr)
		}
		if fr.TS <= 0 {
			t.Fatalf("frame %d ts=%d, want epoch ms", i, fr.TS)
		}
	}
}

func TestOutbound_StealthJoinDropped(t *testing.T) {
	b := bus.New()
	tr := newFakeTransport()
	parts := participants.NewManager(nil)
	parts.AddStealth(participants.Participant{ID: "s1", Info: participants.Info{UserName: "stealth-user-1"}})
	parts.AddActive(participants.Participant{ID: "h1", Info: participants.Info{UserName: "Human"}})

	f := New(Deps{Bus: b, Transport: tr, Parts: parts, Room: "test-room"})
	f.Start(context.Background())
	defer f.Stop()

	b.Publish(bus.TopicParticipantJoin, map[string]any{"participant": "s1"})
	b.Publish(bus.TopicParticipantJoin, map[string]any{"participant": "h1"})

	fr := nextFrame(t, tr)
	if fr.Event != bus.TopicParticipantJoin {
		t.Fatalf("event=%q", fr.Event)
	}
	payload, _ := fr.Payload.(map[string]any)
	if payload["participant"] != "h1" {
		t.Fatalf("stealth join leaked: %v", fr.Payload)
	}
	if fr.Seq != 1 {
		t.Fatalf("seq=%d, stealth frame consumed a sequence number", fr.Seq)
	}
}

func TestOutbound_OversizePayloadTruncated(t *testing.T) {
	b := bus.New()
	tr := newFakeTransport()
	f := New(Deps{Bus: b, Transport: tr, Room: "test-room"})
	f.Start(context.Background())
	defer f.Stop()

	b.Publish(bus.TopicBotTranscript, map[string]any{"text": strings.Repeat("x", maxFramePayload)})

	fr := nextFrame(t, tr)
	payload, _ := fr.Payload.(map[string]any)
	if payload["truncated"] != true {
		t.Fatalf("payload=%v", fr.Payload)
	}
}

func TestHandleIncoming_SnapshotAndGap(t *testing.T) {
	b := bus.New()
	tr := newFakeTransport()
	f := New(Deps{
		Bus:       b,
		Transport: tr,
		Room:      "test-room",
		Snapshot:  func() any { return map[string]any{"humans": 2} },
	})
	f.Start(context.Background())
	defer f.Stop()

	f.HandleIncoming(context.Background(), []byte(`{"kind":"req","action":"snapshot"}`), "c1")
	fr := nextFrame(t, tr)
	if fr.Event != "room.snapshot" {
		t.Fatalf("event=%q", fr.Event)
	}

	f.HandleIncoming(context.Background(), []byte(`{"kind":"gap","have":3}`), "c1")
	fr = nextFrame(t, tr)
	payload, _ := fr.Payload.(map[string]any)
	if payload["reason"] != "gap" {
		t.Fatalf("payload=%v", fr.Payload)
	}
}

func TestHandleIncoming_DropsGarbage(t *testing.T) {
	f := New(Deps{Snapshot: func() any {
		t.Fatal("snapshot built for garbage input")
		return nil
	}})
	f.HandleIncoming(context.Background(), []byte(``), "c1")
	f.HandleIncoming(context.Background(), []byte(`ab`), "c1")
	f.HandleIncoming(context.Background(), []byte(`"just a string"`), "c1")
	f.HandleIncoming(context.Background(), []byte(`not json at all`), "c1")
}

func TestHandleIncoming_ToolInvokeBecomesSystemMessage(t *testing.T) {
	var mu sync.Mutex
	var got string
	var gotRun bool
	f := New(Deps{QueueSystem: func(content string, runLLM bool) {
		mu.Lock()
		got, gotRun = content, runLLM
		mu.Unlock()
	}})

	f.HandleIncoming(context.Background(),
		[]byte(`{"kind":"nia.tool_invoke","tool_name":"open_note","params":{"noteId":"n1"}}`), "c1")

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(got, "TOOL INVOCATION REQUEST: call `open_note`") {
		t.Fatalf("content=%q", got)
	}
	if !strings.Contains(got, `"noteId":"n1"`) || !gotRun {
		t.Fatalf("content=%q runLLM=%v", got, gotRun)
	}
}

func TestHandleIncoming_ToolInvokeLegacyToolKey(t *testing.T) {
	var mu sync.Mutex
	var got string
	f := New(Deps{QueueSystem: func(content string, _ bool) {
		mu.Lock()
		got = content
		mu.Unlock()
	}})

	f.HandleIncoming(context.Background(),
		[]byte(`{"kind":"nia.tool_invoke","tool":"end_conversation","params":{}}`), "c1")

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(got, "call `end_conversation`") {
		t.Fatalf("content=%q", got)
	}
}

type fakeNotes struct {
	mu      sync.Mutex
	set     *kv.ActiveNote
	cleared int
}

func (f *fakeNotes) SetActiveNote(_ context.Context, _ string, note kv.ActiveNote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = &note
	return nil
}

func (f *fakeNotes) ClearActiveNote(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func TestHandleIncoming_NoteEvents(t *testing.T) {
	notes := &fakeNotes{}
	var injected, removed []string
	f := New(Deps{
		Bus:            bus.New(),
		Notes:          notes,
		Room:           "test-room",
		InjectSystem:   func(header, content string) { injected = append(injected, header+"|"+content) },
		RemoveInjected: func(header string) { removed = append(removed, header) },
	})

	f.HandleIncoming(context.Background(),
		[]byte(`{"kind":"nia.event","event":"note.open","payload":{"noteId":"n1","title":"Plan","content":"line one"}}`), "owner-1")
	if notes.set == nil || notes.set.NoteID != "n1" || notes.set.OwnerUserID != "owner-1" {
		t.Fatalf("note=%+v", notes.set)
	}
	if len(injected) != 1 || !strings.Contains(injected[0], noteContextHeader) || !strings.Contains(injected[0], "line one") {
		t.Fatalf("injected=%v", injected)
	}

	f.HandleIncoming(context.Background(), []byte(`{"kind":"nia.event","event":"note.close","payload":{}}`), "owner-1")
	if notes.cleared != 1 {
		t.Fatalf("cleared=%d", notes.cleared)
	}
	if len(removed) != 1 || removed[0] != noteContextHeader {
		t.Fatalf("removed=%v", removed)
	}
}

func TestHandleIncoming_EventRepublishedUnderCarriedTopic(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var gotTopic string
	var gotPayload any
	b.Subscribe("applet.opened", func(topic string, payload any) {
		mu.Lock()
		gotTopic, gotPayload = topic, payload
		mu.Unlock()
	})

	f := New(Deps{Bus: b})
	f.HandleIncoming(context.Background(),
		[]byte(`{"kind":"nia.event","event":"applet.opened","payload":{"appletId":"a1"}}`), "c1")

	mu.Lock()
	defer mu.Unlock()
	if gotTopic != "applet.opened" {
		t.Fatalf("topic=%q", gotTopic)
	}
	payload, _ := gotPayload.(map[string]any)
	if payload["appletId"] != "a1" {
		t.Fatalf("payload=%v", gotPayload)
	}
}

func TestHandleIncoming_NotePreviewKeepsValidUTF8(t *testing.T) {
	var injected string
	f := New(Deps{
		InjectSystem: func(_, content string) { injected = content },
	})

	// Fill to just under the preview cap so the cut lands inside a rune.
	content := strings.Repeat("a", notePreviewMax-1) + "日本語"
	raw, _ := json.Marshal(map[string]any{
		"kind":    "nia.event",
		"event":   "note.open",
		"payload": map[string]any{"noteId": "n1", "title": "t", "content": content},
	})
	f.HandleIncoming(context.Background(), raw, "c1")

	if injected == "" {
		t.Fatal("no system message injected")
	}
	if !utf8.ValidString(injected) {
		t.Fatalf("injected preview is not valid utf-8: %q", injected[len(injected)-20:])
	}
}

func TestHandleIncoming_WonderInteraction(t *testing.T) {
	var got string
	var gotRun bool
	f := New(Deps{
		Bus: bus.New(),
		QueueSystem: func(content string, runLLM bool) {
			got, gotRun = content, runLLM
		},
	})
	f.HandleIncoming(context.Background(),
		[]byte(`{"kind":"nia.event","event":"wonder.interaction","payload":{"choice":"stars"}}`), "c1")
	if !strings.Contains(got, "wonder") || !strings.Contains(got, "stars") || !gotRun {
		t.Fatalf("content=%q runLLM=%v", got, gotRun)
	}
}

func TestRestSender_404DemotedAndErrorsLoggedOnce(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		code := status
		mu.Unlock()

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["recipient"] != "*" {
			t.Errorf("recipient=%v", body["recipient"])
		}
		w.WriteHeader(code)
	}))
	defer srv.Close()

	rs := NewRestSender(srv.URL, "test-room", "secret", nil)
	rs.Send(context.Background(), json.RawMessage(`{"v":1}`))

	mu.Lock()
	status = http.StatusForbidden
	mu.Unlock()
	rs.Send(context.Background(), json.RawMessage(`{"v":1}`))
	rs.Send(context.Background(), json.RawMessage(`{"v":1}`))

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 3 {
		t.Fatalf("requests=%d", len(paths))
	}
	if paths[0] != "/rooms/test-room/send-app-message" {
		t.Fatalf("path=%q", paths[0])
	}
}
