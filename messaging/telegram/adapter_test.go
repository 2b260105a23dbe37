package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/frontend/telegram"
)

// fakeServer records calls to Telegram API methods and lets a test script
// canned responses per method.
type fakeServer struct {
	mu         sync.Mutex
	calls      []string
	bodies     []map[string]any
	responses  map[string]string // method -> raw JSON body to return
	rejectHTML bool              // reject every HTML sendMessage with CantParseEntities
}

func newFakeServer() *fakeServer {
	return &fakeServer{responses: make(map[string]string)}
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.bodies = append(f.bodies, body)
		rejectHTML := f.rejectHTML
		resp, ok := f.responses[method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if rejectHTML && method == "sendMessage" && body["parse_mode"] == "HTML" {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
			return
		}
		if ok {
			_, _ = w.Write([]byte(resp))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}
}

func (f *fakeServer) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func newTestAdapter(t *testing.T, fs *fakeServer) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fs.handler())
	a := New("test-token", withAPIBaseURL(srv.URL+"/bot"))
	return a, srv
}

func TestNameAndPlatform(t *testing.T) {
	a := New("tok")
	if a.Name() != "telegram" {
		t.Errorf("Name() = %q, want telegram", a.Name())
	}
	if a.Platform() != "telegram" {
		t.Errorf("Platform() = %q, want telegram", a.Platform())
	}

	named := New("tok", WithInstanceName("alt"))
	if named.Name() != "telegram:alt" {
		t.Errorf("Name() = %q, want telegram:alt", named.Name())
	}
}

func TestRespondSendsText(t *testing.T) {
	fs := newFakeServer()
	a, srv := newTestAdapter(t, fs)
	defer srv.Close()

	original := conductor.InboundMessage{ConversationID: "telegram:42"}
	if err := a.Respond(context.Background(), original, conductor.TextResponse("hello")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if fs.callCount("sendMessage") != 1 {
		t.Errorf("sendMessage calls = %d, want 1", fs.callCount("sendMessage"))
	}
	if got := fs.bodies[0]["chat_id"]; got != "42" {
		t.Errorf("chat_id = %v, want 42", got)
	}
}

func TestSendFallsBackToPlainTextOnCantParseEntities(t *testing.T) {
	fs := newFakeServer()
	fs.rejectHTML = true
	a, srv := newTestAdapter(t, fs)
	defer srv.Close()

	if err := a.send(context.Background(), "42", "some *text*"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fs.callCount("sendMessage") != 2 {
		t.Errorf("sendMessage calls = %d, want 2 (HTML attempt + plain-text retry)", fs.callCount("sendMessage"))
	}
	last := fs.bodies[len(fs.bodies)-1]
	if _, hasParseMode := last["parse_mode"]; hasParseMode {
		t.Error("plain-text retry should not set parse_mode")
	}
}

func TestFetchHistoryNotSupported(t *testing.T) {
	a := New("tok")
	_, err := a.FetchHistory(context.Background(), conductor.InboundMessage{}, 10)
	if err == nil {
		t.Fatal("expected ErrNotSupported")
	}
}

func TestHealthCheck(t *testing.T) {
	fs := newFakeServer()
	a, srv := newTestAdapter(t, fs)
	defer srv.Close()

	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if fs.callCount("getMe") != 1 {
		t.Errorf("getMe calls = %d, want 1", fs.callCount("getMe"))
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := New("tok")
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestToInboundFiltersByAllowedUsers(t *testing.T) {
	a := New("tok", WithAllowedUsers("100"))
	msg := &telegram.Message{MessageID: 1, From: &telegram.User{ID: 101}, Chat: telegram.Chat{ID: 42}, Text: "hi"}
	if _, ok := a.toInbound(msg); ok {
		t.Error("expected message from disallowed user to be dropped")
	}
}

func TestReactionsAreNoOpsNotErrors(t *testing.T) {
	fs := newFakeServer()
	a, srv := newTestAdapter(t, fs)
	defer srv.Close()

	resp := conductor.OutboundResponse{Kind: conductor.KindReaction, Emoji: "👍"}
	if err := a.Broadcast(context.Background(), "42", resp); err != nil {
		t.Fatalf("Broadcast reaction: %v", err)
	}
	if len(fs.calls) != 0 {
		t.Errorf("expected no API calls for an unsupported reaction, got %v", fs.calls)
	}
}
