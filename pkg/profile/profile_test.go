package profile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFriendlyName(t *testing.T) {
	cases := []struct {
		p    Profile
		want string
	}{
		{Profile{FirstName: "Ada Lovelace"}, "Ada"},
		{Profile{Name: "Grace Hopper"}, "Grace"},
		{Profile{FirstName: " ", Name: "  Alan Turing "}, "Alan"},
		{Profile{}, ""},
	}
	for _, tc := range cases {
		if got := tc.p.FriendlyName(); got != tc.want {
			t.Fatalf("FriendlyName(%+v)=%q, want %q", tc.p, got, tc.want)
		}
	}
}

func TestEnabled_MissingSecretDisables(t *testing.T) {
	c := NewClient("http://mesh", "")
	if c.Enabled() {
		t.Fatal("client without secret reports enabled")
	}
	if _, err := c.Load(context.Background(), "u1"); err == nil {
		t.Fatal("Load on disabled client succeeded")
	}
}

func TestLoad_CachesUnlessReloadOnJoin(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("auth header=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"u1","first_name":"Ada"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := c.Load(ctx, "u1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if p.FirstName != "Ada" {
			t.Fatalf("profile=%+v", p)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("backend hits=%d, want 1 (cached)", hits.Load())
	}

	reload := NewClient(srv.URL, "s3cret", WithReloadOnJoin(true))
	for i := 0; i < 2; i++ {
		if _, err := reload.Load(ctx, "u1"); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("backend hits=%d, want 3 (reload-on-join bypasses cache)", hits.Load())
	}
}

func TestSaveConversationSummary(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	err := c.SaveConversationSummary(context.Background(), SummaryRecord{
		UserID: "u1", Summary: "talked about notes", SessionID: "s1", RoomID: "r1",
		AssistantName: "Nia", ParticipantCount: 2, DurationSeconds: 300,
	})
	if err != nil {
		t.Fatalf("SaveConversationSummary: %v", err)
	}
	if got := path.Load().(string); got != "/api/users/u1/conversation-summaries" {
		t.Fatalf("path=%q", got)
	}
}
