package messaging

import (
	"context"
	"errors"
	"testing"

	conductor "github.com/sra/conductor"
)

type fakeAdapter struct {
	name     string
	platform string
	started  bool
	shutdown bool
	sent     []conductor.OutboundResponse
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Start(context.Context) (<-chan conductor.InboundMessage, error) {
	f.started = true
	ch := make(chan conductor.InboundMessage)
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) Respond(context.Context, conductor.InboundMessage, conductor.OutboundResponse) error {
	return nil
}

func (f *fakeAdapter) Broadcast(_ context.Context, _ string, resp conductor.OutboundResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeAdapter) FetchHistory(context.Context, conductor.InboundMessage, int) ([]HistoryMessage, error) {
	return nil, ErrNotSupported
}

func (f *fakeAdapter) HealthCheck(context.Context) error { return nil }

func (f *fakeAdapter) Shutdown(context.Context) error {
	f.shutdown = true
	return nil
}

func TestRegisterAndStart(t *testing.T) {
	m := NewManager()
	a := &fakeAdapter{name: "telegram", platform: "telegram"}

	if _, err := m.RegisterAndStart(context.Background(), a); err != nil {
		t.Fatalf("RegisterAndStart: %v", err)
	}
	if !a.started {
		t.Error("adapter was not started")
	}
	if !m.HasAdapter("telegram") {
		t.Error("HasAdapter = false after registration")
	}
}

func TestRegisterAndStartDuplicateKeyRejected(t *testing.T) {
	m := NewManager()
	a1 := &fakeAdapter{name: "telegram", platform: "telegram"}
	a2 := &fakeAdapter{name: "telegram", platform: "telegram"}

	if _, err := m.RegisterAndStart(context.Background(), a1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterAndStart(context.Background(), a2); err == nil {
		t.Fatal("expected error registering duplicate runtime key")
	}
}

func TestRegisterAndStartInvalidNamedInstanceRejected(t *testing.T) {
	m := NewManager()
	a := &fakeAdapter{name: "telegram:has space", platform: "telegram"}
	if _, err := m.RegisterAndStart(context.Background(), a); err == nil {
		t.Fatal("expected error for invalid adapter name")
	}
}

func TestRemoveAdapterShutsDown(t *testing.T) {
	m := NewManager()
	a := &fakeAdapter{name: "telegram", platform: "telegram"}
	if _, err := m.RegisterAndStart(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveAdapter(context.Background(), "telegram"); err != nil {
		t.Fatalf("RemoveAdapter: %v", err)
	}
	if !a.shutdown {
		t.Error("adapter was not shut down")
	}
	if m.HasAdapter("telegram") {
		t.Error("adapter still registered after removal")
	}
}

func TestRemoveAdapterUnknownKeyReturnsNotFound(t *testing.T) {
	m := NewManager()
	err := m.RemoveAdapter(context.Background(), "nope")
	if !errors.Is(err, conductor.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRemovePlatformAdapters(t *testing.T) {
	m := NewManager()
	def := &fakeAdapter{name: "discord", platform: "discord"}
	named := &fakeAdapter{name: "discord:alt", platform: "discord"}
	other := &fakeAdapter{name: "telegram", platform: "telegram"}
	for _, a := range []*fakeAdapter{def, named, other} {
		if _, err := m.RegisterAndStart(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.RemovePlatformAdapters(context.Background(), "discord"); err != nil {
		t.Fatalf("RemovePlatformAdapters: %v", err)
	}
	if !def.shutdown || !named.shutdown {
		t.Error("discord adapters were not both shut down")
	}
	if other.shutdown {
		t.Error("telegram adapter should not have been touched")
	}
	if m.HasAdapter("discord") || m.HasAdapter("discord:alt") {
		t.Error("discord adapters still registered")
	}
}

func TestBroadcastUsesDefaultInstance(t *testing.T) {
	m := NewManager()
	def := &fakeAdapter{name: "discord", platform: "discord"}
	if _, err := m.RegisterAndStart(context.Background(), def); err != nil {
		t.Fatal(err)
	}

	resp := conductor.TextResponse("hello")
	if err := m.Broadcast(context.Background(), "discord", "123", resp); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(def.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(def.sent))
	}
}

func TestBroadcastUnknownPlatformReturnsNotFound(t *testing.T) {
	m := NewManager()
	err := m.Broadcast(context.Background(), "discord", "123", conductor.TextResponse("hi"))
	if !errors.Is(err, conductor.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
