package conversation

import (
	"context"
	"path/filepath"
	"testing"

	conductor "github.com/sra/conductor"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "conversation.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	channel := conductor.ChannelId("telegram:123")

	for i, content := range []string{"hi", "how are you", "good thanks"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg := Message{
			ID:        conductor.NewID(),
			ChannelID: channel,
			Role:      role,
			Content:   content,
			CreatedAt: int64(1000 + i),
		}
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, channel, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Content != "hi" || got[2].Content != "good thanks" {
		t.Errorf("Recent did not return chronological order: %+v", got)
	}
}

func TestRecentLimitsToMostRecentNMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	channel := conductor.ChannelId("telegram:1")

	for i := 0; i < 5; i++ {
		msg := Message{
			ID:        conductor.NewID(),
			ChannelID: channel,
			Role:      RoleUser,
			Content:   string(rune('a' + i)),
			CreatedAt: int64(1000 + i),
		}
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, channel, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "d" || got[1].Content != "e" {
		t.Errorf("expected last 2 messages in order, got %+v", got)
	}
}

func TestRecentIsolatesChannels(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, Message{ID: conductor.NewID(), ChannelID: "a", Role: RoleUser, Content: "x", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, Message{ID: conductor.NewID(), ChannelID: "b", Role: RoleUser, Content: "y", CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "x" {
		t.Errorf("expected only channel a's message, got %+v", got)
	}
}

func TestAppendPersistsMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	msg := Message{
		ID:        conductor.NewID(),
		ChannelID: "c",
		Role:      RoleUser,
		Content:   "hello",
		Metadata:  map[string]string{"platform": "telegram"},
		CreatedAt: 1,
	}
	if err := s.Append(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, "c", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Metadata["platform"] != "telegram" {
		t.Errorf("Metadata = %+v, want platform=telegram", got[0].Metadata)
	}
}

func TestAgentAdapterRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	adapter := NewAgentAdapter(s)

	msg := conductor.Message{ID: conductor.NewID(), ThreadID: "discord:1", Role: "user", Content: "hi", CreatedAt: 1}
	if err := adapter.StoreMessage(ctx, msg); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	got, err := adapter.GetMessages(ctx, "discord:1", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("GetMessages = %+v", got)
	}
}

func TestAgentAdapterSearchMessagesDegradesToEmpty(t *testing.T) {
	s := testStore(t)
	adapter := NewAgentAdapter(s)

	got, err := adapter.SearchMessages(context.Background(), []float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if got != nil {
		t.Errorf("SearchMessages = %+v, want nil", got)
	}
}
