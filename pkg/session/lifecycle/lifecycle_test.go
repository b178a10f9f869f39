package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
)

type fakeState struct {
	mu             sync.Mutex
	roomActive     bool
	keepalive      bool
	note           kv.ActiveNote
	clearedActives int
}

func newFakeState() *fakeState {
	return &fakeState{roomActive: true, keepalive: true}
}

func (f *fakeState) ClearRoomActive(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomActive = false
	f.clearedActives++
	return nil
}

func (f *fakeState) ClearKeepalive(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalive = false
	return nil
}

func (f *fakeState) GetActiveNote(_ context.Context, _ string) (kv.ActiveNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.note, nil
}

func (f *fakeState) ClearActiveNote(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note = kv.ActiveNote{}
	return nil
}

type fakeCounts struct {
	mu      sync.Mutex
	humans  int
	stealth int
}

func (f *fakeCounts) HumanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.humans
}

func (f *fakeCounts) StealthCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stealth
}

func (f *fakeCounts) set(humans, stealth int) {
	f.mu.Lock()
	f.humans, f.stealth = humans, stealth
	f.mu.Unlock()
}

func TestPostLeaveShutdown_ClearsStateImmediately(t *testing.T) {
	state := newFakeState()
	counts := &fakeCounts{}
	terminated := make(chan string, 1)

	c := New(Deps{
		Room:      "test-room",
		State:     state,
		Parts:     counts,
		Terminate: func(reason string) { terminated <- reason },
	}, 5*time.Second, 50*time.Millisecond)

	counts.set(1, 0)
	c.BotJoined(context.Background())
	c.HumanJoined()

	counts.set(0, 0)
	c.HumanLeft(context.Background(), "user1")

	// KV markers are cleared at scheduling time, before the delay expires.
	state.mu.Lock()
	if state.roomActive || state.keepalive {
		t.Fatal("room state not cleared at scheduling time")
	}
	state.mu.Unlock()

	select {
	case reason := <-terminated:
		if reason != "post-leave-idle" {
			t.Fatalf("reason=%q", reason)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("session not terminated within 0.2s")
	}
}

func TestInitialIdleShutdown(t *testing.T) {
	state := newFakeState()
	counts := &fakeCounts{}
	terminated := make(chan string, 1)

	c := New(Deps{
		Room:      "test-room",
		State:     state,
		Parts:     counts,
		Terminate: func(reason string) { terminated <- reason },
	}, 100*time.Millisecond, time.Second)

	c.BotJoined(context.Background())

	select {
	case reason := <-terminated:
		if reason != "initial-idle" {
			t.Fatalf("reason=%q", reason)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("session not terminated within 0.25s")
	}
}

func TestInitialIdle_NotArmedWithHumansPresent(t *testing.T) {
	counts := &fakeCounts{}
	counts.set(1, 0)
	terminated := make(chan string, 1)

	c := New(Deps{
		Room:      "test-room",
		State:     newFakeState(),
		Parts:     counts,
		Terminate: func(reason string) { terminated <- reason },
	}, 20*time.Millisecond, time.Second)

	c.BotJoined(context.Background())
	select {
	case reason := <-terminated:
		t.Fatalf("terminated: %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHumanJoin_CancelsPendingShutdown(t *testing.T) {
	counts := &fakeCounts{}
	terminated := make(chan string, 1)

	c := New(Deps{
		Room:      "test-room",
		State:     newFakeState(),
		Parts:     counts,
		Terminate: func(reason string) { terminated <- reason },
	}, 50*time.Millisecond, time.Second)

	c.BotJoined(context.Background())
	counts.set(1, 0)
	c.HumanJoined()

	select {
	case reason := <-terminated:
		t.Fatalf("terminated after cancel: %q", reason)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStealthRemaining_BlocksPostLeaveShutdown(t *testing.T) {
	counts := &fakeCounts{}
	counts.set(0, 1)
	terminated := make(chan string, 1)

	c := New(Deps{
		Room:      "test-room",
		State:     newFakeState(),
		Parts:     counts,
		Terminate: func(reason string) { terminated <- reason },
	}, time.Second, 20*time.Millisecond)

	c.HumanLeft(context.Background(), "user1")
	select {
	case reason := <-terminated:
		t.Fatalf("terminated with stealth present: %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	calls := 0
	c := New(Deps{Terminate: func(string) { calls++ }}, 0, 0)
	c.Terminate("a")
	c.Terminate("b")
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestOwnerDeparture_ClosesNoteAfterGrace(t *testing.T) {
	state := newFakeState()
	state.note = kv.ActiveNote{NoteID: "n1", OwnerUserID: "owner-1", NoteTitle: "Plan"}
	counts := &fakeCounts{}
	counts.set(1, 0)

	spoke := make(chan string, 1)
	c := New(Deps{
		Room:         "test-room",
		State:        state,
		Parts:        counts,
		Speak:        func(text string) { spoke <- text },
		OwnerPresent: func(string) bool { return false },
	}, time.Second, time.Second, WithOwnerGrace(20*time.Millisecond))

	c.HumanLeft(context.Background(), "owner-1")

	select {
	case <-spoke:
	case <-time.After(time.Second):
		t.Fatal("note closure never voiced")
	}

	deadline := time.Now().Add(time.Second)
	for {
		state.mu.Lock()
		cleared := state.note.NoteID == ""
		state.mu.Unlock()
		if cleared {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("note state not cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOwnerDeparture_RejoinKeepsNote(t *testing.T) {
	state := newFakeState()
	state.note = kv.ActiveNote{NoteID: "n1", OwnerUserID: "owner-1"}
	counts := &fakeCounts{}
	counts.set(1, 0)

	c := New(Deps{
		Room:         "test-room",
		State:        state,
		Parts:        counts,
		Speak:        func(string) { t.Error("spoke despite rejoin") },
		OwnerPresent: func(string) bool { return true },
	}, time.Second, time.Second, WithOwnerGrace(10*time.Millisecond))

	c.HumanLeft(context.Background(), "owner-1")
	time.Sleep(60 * time.Millisecond)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.note.NoteID != "n1" {
		t.Fatalf("note=%+v", state.note)
	}
}
