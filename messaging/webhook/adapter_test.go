package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	conductor "github.com/sra/conductor"
)

func startTestAdapter(t *testing.T, opts ...Option) (*Adapter, string) {
	t.Helper()
	a := New("127.0.0.1:0", opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ch, err := a.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range ch {
		}
	}()
	return a, "http://" + a.Addr()
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	_, base := startTestAdapter(t, WithToken("secret"))
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSendRequiresToken(t *testing.T) {
	_, base := startTestAdapter(t, WithToken("secret"))
	body, _ := json.Marshal(map[string]string{"conversation_id": "abc", "text": "hi"})
	resp, err := http.Post(base+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSendAndReceiveInbound(t *testing.T) {
	_, base := startTestAdapter(t)

	body, _ := json.Marshal(map[string]string{"conversation_id": "abc", "sender_id": "u1", "text": "hello"})
	req, _ := http.NewRequest(http.MethodPost, base+"/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestSendMissingConversationIDRejected(t *testing.T) {
	_, base := startTestAdapter(t)
	body, _ := json.Marshal(map[string]string{"text": "hi"})
	resp, err := http.Post(base+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBroadcastThenPollReturnsMessage(t *testing.T) {
	a, base := startTestAdapter(t)

	if err := a.Broadcast(context.Background(), "conv-1", conductor.TextResponse("reply text")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	resp, err := http.Get(base + "/poll/conv-1")
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	var payloads []outboundPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payloads) != 1 || payloads[0].Text != "reply text" {
		t.Errorf("payloads = %+v", payloads)
	}

	// Second poll should return an empty buffer: the reply was already drained.
	resp2, err := http.Get(base + "/poll/conv-1")
	if err != nil {
		t.Fatalf("second GET /poll: %v", err)
	}
	defer resp2.Body.Close()
	var second []outboundPayload
	_ = json.NewDecoder(resp2.Body).Decode(&second)
	if len(second) != 0 {
		t.Errorf("second poll = %+v, want empty", second)
	}
}

func TestReactionDroppedSilently(t *testing.T) {
	a, _ := startTestAdapter(t)
	err := a.Broadcast(context.Background(), "conv-1", conductor.OutboundResponse{Kind: conductor.KindReaction})
	if err != nil {
		t.Fatalf("Broadcast reaction: %v", err)
	}
}

func TestFetchHistoryNotSupported(t *testing.T) {
	a := New("127.0.0.1:0")
	_, err := a.FetchHistory(context.Background(), conductor.InboundMessage{}, 10)
	if err == nil {
		t.Fatal("expected ErrNotSupported")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, _ := startTestAdapter(t)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck to fail after shutdown")
	}
}

func TestXWebhookTokenHeaderAccepted(t *testing.T) {
	_, base := startTestAdapter(t, WithToken("secret"))
	req, _ := http.NewRequest(http.MethodGet, base+"/poll/conv-1", nil)
	req.Header.Set("X-Webhook-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
