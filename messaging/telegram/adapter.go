// Package telegram implements a messaging.Adapter for the Telegram Bot API,
// built on the wire types and markdown-to-HTML renderer shared with the
// rest of the module.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/frontend/telegram"
	"github.com/sra/conductor/messaging"
)

const (
	maxMessageLength  = 4096
	defaultAPIBaseURL = "https://api.telegram.org/bot"
	minEditInterval   = time.Second
)

// Adapter is a messaging.Adapter backed by the Telegram Bot API, ingesting
// via long polling.
type Adapter struct {
	name       string // runtime key, messaging.RuntimeKey("telegram", instanceName)
	token      string
	apiBaseURL string
	httpClient *http.Client
	logger     *slog.Logger

	// permission filters, applied to every inbound update
	allowedUserIDs map[string]bool // empty means allow everyone
	triggerPrefix  string

	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	closed     bool

	editMu     sync.Mutex
	lastEditAt map[string]time.Time // keyed by chatID
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInstanceName registers this adapter under runtime key
// "telegram:{name}" instead of the default "telegram".
func WithInstanceName(name string) Option {
	return func(a *Adapter) { a.name = messaging.RuntimeKey("telegram", name) }
}

// WithAllowedUsers restricts ingestion to the given sender IDs (a DM
// allow-list). Unset means no restriction.
func WithAllowedUsers(ids ...string) Option {
	return func(a *Adapter) {
		for _, id := range ids {
			a.allowedUserIDs[id] = true
		}
	}
}

// WithTriggerPrefix requires inbound text to start with prefix to be
// ingested (stripped before the message is emitted).
func WithTriggerPrefix(prefix string) Option {
	return func(a *Adapter) { a.triggerPrefix = prefix }
}

// WithLogger sets the structured logger used for adapter lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// withAPIBaseURL overrides the Telegram API base URL, for pointing the
// adapter at a test server. Unexported: no production caller needs it.
func withAPIBaseURL(url string) Option {
	return func(a *Adapter) { a.apiBaseURL = url }
}

// New creates a Telegram adapter for the given bot token.
func New(token string, opts ...Option) *Adapter {
	a := &Adapter{
		name:           "telegram",
		token:          token,
		apiBaseURL:     defaultAPIBaseURL,
		httpClient:     &http.Client{},
		logger:         slog.New(discardHandler{}),
		allowedUserIDs: make(map[string]bool),
		shutdownCh:     make(chan struct{}),
		lastEditAt:     make(map[string]time.Time),
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
func (a *Adapter) Platform() string { return "telegram" }

// Start begins long-polling getUpdates and emitting InboundMessages.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	ch := make(chan conductor.InboundMessage)
	go a.pollLoop(ctx, ch)
	return ch, nil
}

func (a *Adapter) pollLoop(ctx context.Context, ch chan<- conductor.InboundMessage) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownCh:
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("telegram: poll error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			msg, ok := a.toInbound(u.Message)
			if !ok {
				continue
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			case <-a.shutdownCh:
				return
			}
		}
	}
}

// toInbound filters against permission policy and maps to an InboundMessage.
// Returns ok=false when the update should be dropped silently.
func (a *Adapter) toInbound(m *telegram.Message) (conductor.InboundMessage, bool) {
	senderID := strconv.FormatInt(m.From.ID, 10)
	if len(a.allowedUserIDs) > 0 && !a.allowedUserIDs[senderID] {
		return conductor.InboundMessage{}, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if a.triggerPrefix != "" {
		if !strings.HasPrefix(text, a.triggerPrefix) {
			return conductor.InboundMessage{}, false
		}
		text = strings.TrimPrefix(text, a.triggerPrefix)
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	var attachments []conductor.Attachment
	if m.Document != nil {
		attachments = append(attachments, conductor.Attachment{
			Filename: m.Document.FileName, MimeType: m.Document.MimeType, SizeBytes: m.Document.FileSize,
		})
	}

	author := m.From.FirstName
	if m.From.Username != "" {
		author = "@" + m.From.Username
	}

	return conductor.InboundMessage{
		ID:              strconv.FormatInt(m.MessageID, 10),
		Source:          "telegram",
		Adapter:         a.name,
		ConversationID:  conductor.ChannelId("telegram:" + chatID),
		SenderID:        senderID,
		Content:         conductor.MessageContent{Text: text, Attachments: attachments},
		Timestamp:       conductor.NowUnix(),
		FormattedAuthor: author,
	}, true
}

// Respond replies in the same chat the original message arrived from.
func (a *Adapter) Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	chatID := strings.TrimPrefix(string(original.ConversationID), "telegram:")
	return a.deliver(ctx, chatID, resp)
}

// Broadcast delivers resp to an explicit chat id (a normalized
// messaging.Target.Dest for the telegram platform).
func (a *Adapter) Broadcast(ctx context.Context, target string, resp conductor.OutboundResponse) error {
	return a.deliver(ctx, target, resp)
}

func (a *Adapter) deliver(ctx context.Context, chatID string, resp conductor.OutboundResponse) error {
	switch resp.Kind {
	case conductor.KindText:
		return a.send(ctx, chatID, resp.Text)
	case conductor.KindRichMessage:
		if err := a.send(ctx, chatID, resp.Text); err != nil {
			return err
		}
		if resp.Poll != nil {
			return a.sendPoll(ctx, chatID, resp.Poll)
		}
		return nil
	case conductor.KindThreadReply:
		return a.send(ctx, chatID, resp.Text)
	case conductor.KindFile:
		return a.sendDocument(ctx, chatID, resp.Filename, resp.Bytes, resp.Caption)
	case conductor.KindReaction, conductor.KindRemoveReaction:
		// Telegram supports message reactions via setMessageReaction, but we
		// have no message id to react to in the broadcast path; no-op.
		return nil
	case conductor.KindStatus:
		return a.sendTyping(ctx, chatID)
	case conductor.KindStreamStart:
		return nil
	case conductor.KindStreamChunk:
		return a.editOrSend(ctx, chatID, resp.Text)
	case conductor.KindStreamEnd:
		return nil
	case conductor.KindEphemeral:
		// No ephemeral concept on Telegram; degrade to an ordinary message.
		return a.send(ctx, chatID, resp.Text)
	case conductor.KindScheduledMessage:
		// No native scheduled-send API used here; degrade to immediate send.
		return a.send(ctx, chatID, resp.Text)
	default:
		return fmt.Errorf("telegram: unhandled response kind %v", resp.Kind)
	}
}

// send posts text as HTML, splitting into Telegram's message-length limit
// and falling back to plain text if Telegram rejects the HTML entities.
func (a *Adapter) send(ctx context.Context, chatID, text string) error {
	for _, chunk := range messaging.SplitMessage(text, maxMessageLength) {
		html := telegram.MarkdownToHTML(chunk)
		body := map[string]any{"chat_id": chatID, "text": html, "parse_mode": "HTML"}
		var result telegram.Message
		if err := a.call(ctx, "sendMessage", body, &result); err != nil {
			if isCantParseEntities(err) {
				plain := map[string]any{"chat_id": chatID, "text": chunk}
				if err2 := a.call(ctx, "sendMessage", plain, &result); err2 != nil {
					return fmt.Errorf("telegram: send (plain-text retry): %w", err2)
				}
				continue
			}
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

// editOrSend sends the stream text as a new message, at most once per
// minEditInterval per chat; chunks arriving sooner are dropped. It does not
// edit a previously sent message.
func (a *Adapter) editOrSend(ctx context.Context, chatID, text string) error {
	a.editMu.Lock()
	last, ok := a.lastEditAt[chatID]
	tooSoon := ok && time.Since(last) < minEditInterval
	if !tooSoon {
		a.lastEditAt[chatID] = time.Now()
	}
	a.editMu.Unlock()
	if tooSoon {
		return nil
	}
	return a.send(ctx, chatID, text)
}

func (a *Adapter) sendPoll(ctx context.Context, chatID string, p *conductor.Poll) error {
	body := map[string]any{"chat_id": chatID, "question": p.Question, "options": p.Options}
	return a.call(ctx, "sendPoll", body, nil)
}

func (a *Adapter) sendTyping(ctx context.Context, chatID string) error {
	return a.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"}, nil)
}

func (a *Adapter) sendDocument(ctx context.Context, chatID, filename string, data []byte, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", chatID)
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	fw, err := w.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("telegram: build multipart: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("telegram: write file body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: close multipart: %w", err)
	}

	url := a.apiBaseURL + a.token + "/sendDocument"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: sendDocument: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram: sendDocument HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FetchHistory is not supported by the Telegram Bot API (no general message
// history endpoint for bots); callers must degrade gracefully.
func (a *Adapter) FetchHistory(context.Context, conductor.InboundMessage, int) ([]messaging.HistoryMessage, error) {
	return nil, messaging.ErrNotSupported
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.call(ctx, "getMe", map[string]any{}, nil)
}

func (a *Adapter) Shutdown(context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.shutdownCh)
	return nil
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64) ([]telegram.Update, error) {
	body := map[string]any{"offset": offset, "timeout": 30, "allowed_updates": []string{"message"}}
	var result []telegram.Update
	if err := a.call(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Adapter) call(ctx context.Context, method string, reqBody, result any) error {
	url := a.apiBaseURL + a.token + "/" + method
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope telegram.ApiResponse[json.RawMessage]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isCantParseEntities(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
