package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-rooms/pkg/pipeline"
	"github.com/vango-go/vai-rooms/pkg/runner/config"
	"github.com/vango-go/vai-rooms/pkg/session"
	"github.com/vango-go/vai-rooms/pkg/session/flow"
)

type fakeTransport struct{}

func (fakeTransport) RoomURL() string                                      { return "" }
func (fakeTransport) SendAppMessage(context.Context, []byte, string) error { return nil }
func (fakeTransport) SendMessage(context.Context, []byte) error            { return nil }

func fakeBuilder() pipeline.Builder {
	return func(_ context.Context, p pipeline.BuildParams) (*pipeline.BuildResult, error) {
		llmCtx := pipeline.NewContext(pipeline.Message{Role: "system", Content: p.PersonalityMessage})
		llm := p.LLM
		if llm == nil {
			llm = func(context.Context, []pipeline.Message) (string, error) { return "ok", nil }
		}
		return &pipeline.BuildResult{
			Task:               pipeline.NewTask(llmCtx, llm, p.Publish),
			Transport:          fakeTransport{},
			Context:            llmCtx,
			PersonalityMessage: p.PersonalityMessage,
			Voice:              p.Voice,
		}, nil
	}
}

func testConfig() config.Config {
	return config.Config{
		Addr:               ":0",
		DefaultMode:        config.ModeOneShot,
		DefaultPersonality: "default",
		Forwarder:          config.ForwardInproc,
		Gates: flow.Gates{
			PostSpeakBuffer: 5 * time.Millisecond,
			UserIdle:        5 * time.Millisecond,
			UserIdleTimeout: 100 * time.Millisecond,
			Poll:            2 * time.Millisecond,
		},
		ToolRequireGreeting: true,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config, *Deps)) *Server {
	t.Helper()
	cfg := testConfig()
	deps := Deps{
		Session: session.Deps{Builder: fakeBuilder()},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	s := New(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func waitFinished(t *testing.T, e *Entry) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session task never finished")
	}
}

func TestRootAndHealth_Empty(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodGet, "/", "")
	if code != http.StatusOK || body["status"] != "runner-ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["sessions"] != float64(0) {
		t.Fatalf("sessions=%v", body["sessions"])
	}

	code, body = doJSON(t, h, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if _, ok := body["redis"]; ok {
		t.Fatal("redis field present without redis")
	}
}

func TestStartAndLeave(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodPost, "/start",
		`{"room_url":"https://x.daily.co/alpha","token":"tok","personality":"default"}`)
	if code != http.StatusOK {
		t.Fatalf("start code=%d body=%v", code, body)
	}
	if body["dailyRoom"] != "https://x.daily.co/alpha" || body["dailyToken"] != "tok" {
		t.Fatalf("body=%v", body)
	}
	if body["provisioned"] != false {
		t.Fatal("provisioned should be false for a supplied room")
	}
	if _, ok := body["botPid"].(float64); !ok {
		t.Fatalf("botPid=%v", body["botPid"])
	}
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatal("no sessionId")
	}

	code, _ = doJSON(t, h, http.MethodGet, "/sessions", "")
	if code != http.StatusOK {
		t.Fatalf("sessions code=%d", code)
	}
	entry, ok := s.Registry().Get(id)
	if !ok {
		t.Fatal("session not registered")
	}

	code, body = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/leave", "")
	if code != http.StatusOK || body["status"] != "terminated" {
		t.Fatalf("leave code=%d body=%v", code, body)
	}
	waitFinished(t, entry)

	code, body = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/leave", "")
	if code != http.StatusOK || body["status"] != "already-finished" {
		t.Fatalf("second leave code=%d body=%v", code, body)
	}

	code, _ = doJSON(t, h, http.MethodPost, "/sessions/nope/leave", "")
	if code != http.StatusNotFound {
		t.Fatalf("unknown leave code=%d", code)
	}

	// One-shot sessions signal process exit after cleanup.
	select {
	case reason := <-s.Exit():
		if reason != "session-ended" {
			t.Fatalf("exit reason=%q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no exit signal for one-shot session")
	}
}

func TestStartProvisioning(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Provision = func(context.Context, string) (string, string, error) {
			return "https://x.daily.co/fresh", "fresh-token", nil
		}
	})
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodPost, "/start", `{}`)
	if code != http.StatusOK {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["dailyRoom"] != "https://x.daily.co/fresh" || body["provisioned"] != true {
		t.Fatalf("body=%v", body)
	}
}

func TestStartWithoutRoomOrProvisioner(t *testing.T) {
	s := newTestServer(t, nil)
	code, _ := doJSON(t, s.Handler(), http.MethodPost, "/start", `{}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("code=%d", code)
	}
}

func TestTransition(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	_, body := doJSON(t, h, http.MethodPost, "/start",
		`{"room_url":"https://x.daily.co/alpha","sessionId":"sess-1","sessionUserId":"user-1"}`)
	if body["sessionId"] != "sess-1" {
		t.Fatalf("body=%v", body)
	}

	code, _ := doJSON(t, h, http.MethodPost, "/sessions/sess-1/transition", `{}`)
	if code != http.StatusBadRequest {
		t.Fatalf("missing room: code=%d", code)
	}
	code, _ = doJSON(t, h, http.MethodPost, "/sessions/nope/transition",
		`{"new_room_url":"https://x.daily.co/beta"}`)
	if code != http.StatusNotFound {
		t.Fatalf("unknown id: code=%d", code)
	}

	code, body = doJSON(t, h, http.MethodPost, "/sessions/sess-1/transition",
		`{"new_room_url":"https://x.daily.co/alpha"}`)
	if code != http.StatusOK || body["status"] != "noop" {
		t.Fatalf("same-room code=%d body=%v", code, body)
	}

	code, body = doJSON(t, h, http.MethodPost, "/sessions/sess-1/transition",
		`{"new_room_url":"https://x.daily.co/beta","new_token":"t2"}`)
	if code != http.StatusOK || body["status"] != "transitioned" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["session_id"] != "sess-1" {
		t.Fatalf("session id not preserved: %v", body["session_id"])
	}
	if body["old_room_url"] != "https://x.daily.co/alpha" || body["room_url"] != "https://x.daily.co/beta" {
		t.Fatalf("body=%v", body)
	}

	entry, ok := s.Registry().Get("sess-1")
	if !ok {
		t.Fatal("relaunched session missing")
	}
	if entry.Session.RoomURL() != "https://x.daily.co/beta" {
		t.Fatalf("room=%q", entry.Session.RoomURL())
	}
	if entry.Cfg.PendingIdentity.SessionUserID != "user-1" {
		t.Fatalf("identity not preserved: %v", entry.Cfg.PendingIdentity)
	}
	if done, _ := entry.Finished(); done {
		t.Fatal("relaunched session not running")
	}
}

func TestHealth503OnDeadTask(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Session.Builder = func(context.Context, pipeline.BuildParams) (*pipeline.BuildResult, error) {
			return nil, errors.New("pipeline build failed")
		}
	})
	h := s.Handler()

	_, body := doJSON(t, h, http.MethodPost, "/start", `{"room_url":"https://x.daily.co/alpha"}`)
	id, _ := body["sessionId"].(string)
	entry, ok := s.Registry().Get(id)
	if !ok {
		t.Fatal("session not registered")
	}
	waitFinished(t, entry)

	code, body := doJSON(t, h, http.MethodGet, "/health", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["status"] != "session-task-failed" {
		t.Fatalf("status=%v", body["status"])
	}
}

func TestWebhookAutoSpawn(t *testing.T) {
	s := newTestServer(t, func(c *config.Config, _ *Deps) {
		c.AutoStart = true
	})
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodPost, "/daily/webhook",
		`{"event":"room.created","room":{"url":"https://x.daily.co/hooked"}}`)
	if code != http.StatusOK || body["status"] != "spawned" {
		t.Fatalf("code=%d body=%v", code, body)
	}

	_, body = doJSON(t, h, http.MethodPost, "/daily/webhook",
		`{"event":"room.created","room":{"url":"https://x.daily.co/hooked"}}`)
	if body["status"] != "already-running" {
		t.Fatalf("body=%v", body)
	}

	_, body = doJSON(t, h, http.MethodPost, "/daily/webhook",
		`{"event":"room.deleted","room":{"url":"https://x.daily.co/other"}}`)
	if body["status"] != "ignored" {
		t.Fatalf("body=%v", body)
	}
}

func TestWebhookIgnoredWhenAutoStartOff(t *testing.T) {
	s := newTestServer(t, nil)
	_, body := doJSON(t, s.Handler(), http.MethodPost, "/daily/webhook",
		`{"event":"room.created","room":{"url":"https://x.daily.co/hooked"}}`)
	if body["status"] != "ignored" {
		t.Fatalf("body=%v", body)
	}
}

func TestControlAuthGuardsMutations(t *testing.T) {
	s := newTestServer(t, func(c *config.Config, _ *Deps) {
		c.ControlSharedSecret = "hunter2"
	})
	h := s.Handler()

	code, _ := doJSON(t, h, http.MethodPost, "/start", `{"room_url":"https://x.daily.co/alpha"}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated start code=%d", code)
	}
	// Read endpoints stay open.
	code, _ = doJSON(t, h, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("health code=%d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/start",
		strings.NewReader(`{"room_url":"https://x.daily.co/alpha"}`))
	req.Header.Set("Authorization", "Bearer hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated start code=%d", rec.Code)
	}
}

func TestActiveNoteWithoutRedisAlways200(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodGet, "/api/room/active-note?room_url=https://x.daily.co/alpha", "")
	if code != http.StatusOK || body["has_active_note"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
	code, body = doJSON(t, h, http.MethodGet, "/api/room/active-applet?room_url=https://x.daily.co/alpha", "")
	if code != http.StatusOK || body["has_active_applet"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestDebugSessions(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/start", `{"room_url":"https://x.daily.co/alpha","sessionId":"dbg-1"}`)
	code, body := doJSON(t, h, http.MethodGet, "/debug/sessions", "")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions=%v", body["sessions"])
	}
	first, _ := sessions[0].(map[string]any)
	if first["id"] != "dbg-1" || first["running"] != true {
		t.Fatalf("entry=%v", first)
	}
}
