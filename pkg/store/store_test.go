package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabledStore_NoOps(t *testing.T) {
	s, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Enabled() {
		t.Fatal("store enabled without database url")
	}
	if err := s.RecordActivity(context.Background(), Activity{
		SessionID: "s1",
		RoomURL:   "https://x.daily.co/r",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if err := s.SaveConversationSummary(context.Background(), Summary{UserID: "u1", Summary: "x"}); err != nil {
		t.Fatalf("SaveConversationSummary: %v", err)
	}
	if _, err := s.RecentSummaries(context.Background(), "u1", 3); !errors.Is(err, ErrDisabled) {
		t.Fatalf("RecentSummaries err=%v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations")
	}
}
