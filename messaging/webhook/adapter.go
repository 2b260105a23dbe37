// Package webhook implements a messaging.Adapter that exposes a small HTTP
// server: POST /send accepts inbound messages from an external caller, GET
// /poll/{conversation_id} lets that caller retrieve buffered replies, and
// GET /health is an unauthenticated liveness probe.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

// inboundPayload is the JSON body accepted by POST /send.
type inboundPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
}

// outboundPayload is one entry returned by GET /poll/{conversation_id}.
type outboundPayload struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Adapter is a messaging.Adapter backed by a local HTTP server rather than an
// outbound connection to a third-party platform.
type Adapter struct {
	name   string
	token  string // bearer / X-Webhook-Token value; empty disables auth (logged as a warning)
	addr   string
	logger *slog.Logger

	server *http.Server

	mu         sync.Mutex
	outbox     map[string][]outboundPayload // conversation_id -> buffered replies
	closed     bool
	listenAddr string
	readyCh    chan struct{}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInstanceName registers this adapter under runtime key
// "webhook:{name}" instead of the default "webhook".
func WithInstanceName(name string) Option {
	return func(a *Adapter) { a.name = messaging.RuntimeKey("webhook", name) }
}

// WithToken sets the bearer / X-Webhook-Token value callers must present.
func WithToken(token string) Option {
	return func(a *Adapter) { a.token = token }
}

// WithLogger sets the structured logger used for adapter lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates a webhook adapter listening on addr (e.g. ":8090").
func New(addr string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    "webhook",
		addr:    addr,
		logger:  slog.New(discardHandler{}),
		outbox:  make(map[string][]outboundPayload),
		readyCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Platform() string { return "webhook" }

// Addr blocks until the server is listening, then returns its address. Used
// by callers that started the adapter with a ":0" port and need to know
// which port was actually bound.
func (a *Adapter) Addr() string {
	<-a.readyCh
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listenAddr
}

// Start launches the HTTP server and returns the channel of messages posted
// to POST /send.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	if a.token == "" {
		a.logger.Warn("webhook: no token configured, accepting unauthenticated requests")
	}

	ch := make(chan conductor.InboundMessage)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /send", a.handleSend(ch))
	mux.HandleFunc("GET /poll/{conversation_id}", a.handlePoll)

	a.server = &http.Server{Addr: a.addr, Handler: mux}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("webhook: listen %s: %w", a.addr, err)
	}
	a.mu.Lock()
	a.listenAddr = ln.Addr().String()
	a.mu.Unlock()
	close(a.readyCh)

	go func() {
		defer close(ch)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("webhook: server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = a.Shutdown(context.Background())
	}()

	return ch, nil
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *Adapter) handleSend(ch chan<- conductor.InboundMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var payload inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if payload.ConversationID == "" {
			http.Error(w, "conversation_id is required", http.StatusBadRequest)
			return
		}

		msg := conductor.InboundMessage{
			ID:             conductor.NewID(),
			Source:         "webhook",
			Adapter:        a.name,
			ConversationID: conductor.ChannelId("webhook:" + payload.ConversationID),
			SenderID:       payload.SenderID,
			Content:        conductor.MessageContent{Text: payload.Text},
			Timestamp:      conductor.NowUnix(),
		}

		select {
		case ch <- msg:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"accepted"}`))
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
	}
}

func (a *Adapter) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.PathValue("conversation_id")
	a.mu.Lock()
	msgs := a.outbox[conversationID]
	delete(a.outbox, conversationID)
	a.mu.Unlock()

	if msgs == nil {
		msgs = []outboundPayload{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msgs)
}

// authorized checks the bearer token / X-Webhook-Token header. When no token
// is configured every request passes, since the server was started with auth
// intentionally disabled.
func (a *Adapter) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	if tok := r.Header.Get("X-Webhook-Token"); tok != "" {
		return subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) == 1
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		tok := strings.TrimPrefix(auth, prefix)
		return subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) == 1
	}
	return false
}

// Respond buffers resp for the conversation carried by original, to be
// retrieved by the next GET /poll/{conversation_id}.
func (a *Adapter) Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	conversationID := strings.TrimPrefix(string(original.ConversationID), "webhook:")
	return a.Broadcast(ctx, conversationID, resp)
}

// Broadcast buffers resp for target (a bare conversation id, since the
// webhook platform has no richer destination shape).
func (a *Adapter) Broadcast(_ context.Context, target string, resp conductor.OutboundResponse) error {
	p, ok := toOutboundPayload(resp)
	if !ok {
		return nil // unrepresentable kind for this transport; drop silently
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbox[target] = append(a.outbox[target], p)
	return nil
}

func toOutboundPayload(resp conductor.OutboundResponse) (outboundPayload, bool) {
	now := conductor.NowUnix()
	switch resp.Kind {
	case conductor.KindText, conductor.KindThreadReply, conductor.KindEphemeral, conductor.KindScheduledMessage,
		conductor.KindStreamChunk:
		return outboundPayload{Kind: "text", Text: resp.Text, Timestamp: now}, true
	case conductor.KindRichMessage:
		return outboundPayload{Kind: "rich_message", Text: resp.Text, Timestamp: now}, true
	case conductor.KindFile:
		return outboundPayload{Kind: "file", Filename: resp.Filename, MimeType: resp.MimeType, Text: resp.Caption, Timestamp: now}, true
	case conductor.KindStatus:
		return outboundPayload{Kind: "status", Timestamp: now}, true
	case conductor.KindStreamStart, conductor.KindStreamEnd:
		return outboundPayload{Kind: "stream_marker", Timestamp: now}, true
	case conductor.KindReaction, conductor.KindRemoveReaction:
		// No message identity to react against over this transport.
		return outboundPayload{}, false
	default:
		return outboundPayload{}, false
	}
}

// FetchHistory is not supported: the webhook adapter only buffers replies
// since the last poll, it keeps no longer-lived conversation history.
func (a *Adapter) FetchHistory(context.Context, conductor.InboundMessage, int) ([]messaging.HistoryMessage, error) {
	return nil, messaging.ErrNotSupported
}

// HealthCheck reports whether the server is still serving.
func (a *Adapter) HealthCheck(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("webhook: server is shut down")
	}
	return nil
}

// Shutdown stops the HTTP server. Idempotent.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}
