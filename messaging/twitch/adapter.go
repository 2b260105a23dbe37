// Package twitch implements a messaging.Adapter for Twitch chat over IRC.
// Twitch has no message edits, so streamed responses collapse into a single
// final message. Refreshed OAuth credentials are persisted to a per-adapter
// JSON file so restarts don't need a new authorization grant.
package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

// maxMessageLength is Twitch's chat message limit.
const maxMessageLength = 500

// Config carries the account and credential settings for one adapter.
type Config struct {
	// Username is the bot's Twitch login.
	Username string
	// Channels are the chat channels to join (leading '#' optional).
	Channels []string
	// ClientID / ClientSecret identify the app for token refresh.
	ClientID     string
	ClientSecret string
	// TokenDir is the directory holding the persisted token file.
	TokenDir string
	// InstanceName distinguishes named instances ("" for the default); it
	// selects the token file and the runtime key.
	InstanceName string
}

// Adapter is a messaging.Adapter for Twitch chat.
type Adapter struct {
	name   string
	cfg    Config
	logger *slog.Logger

	client     *twitchirc.Client
	httpClient *http.Client
	oauthURL   string

	// say is the outbound send; a test seam over client.Say.
	say func(channel, text string)

	allowedUserIDs map[string]bool
	triggerPrefix  string

	shutdownMu sync.Mutex
	closed     bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAllowedUsers restricts ingestion to the given Twitch user IDs.
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

// withOAuthURL points token refresh at a test server.
func withOAuthURL(u string) Option {
	return func(a *Adapter) { a.oauthURL = u }
}

// New creates a Twitch adapter for cfg.
func New(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		name:           messaging.RuntimeKey("twitch", cfg.InstanceName),
		cfg:            cfg,
		logger:         slog.New(discardHandler{}),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		oauthURL:       defaultOAuthURL,
		allowedUserIDs: make(map[string]bool),
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
func (a *Adapter) Platform() string { return "twitch" }

// Start loads (refreshing if expired) the persisted token, connects to
// Twitch chat, and begins emitting InboundMessages. Returns once the IRC
// connection is up.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	client := twitchirc.NewClient(a.cfg.Username, "oauth:"+token.AccessToken)
	a.client = client
	if a.say == nil {
		a.say = client.Say
	}

	ch := make(chan conductor.InboundMessage, 64)
	connected := make(chan struct{})
	var connectOnce sync.Once

	client.OnConnect(func() {
		connectOnce.Do(func() { close(connected) })
	})
	client.OnPrivateMessage(func(m twitchirc.PrivateMessage) {
		msg, ok := a.toInbound(m)
		if !ok {
			return
		}
		a.shutdownMu.Lock()
		defer a.shutdownMu.Unlock()
		if a.closed {
			return
		}
		select {
		case ch <- msg:
		default:
			a.logger.Warn("twitch: inbound buffer full, dropping message", "message_id", m.ID)
		}
	})

	for _, c := range a.cfg.Channels {
		client.Join(strings.TrimPrefix(c, "#"))
	}

	connectErr := make(chan error, 1)
	go func() {
		// Connect blocks for the connection's lifetime; it returns on
		// Disconnect or a fatal error.
		if err := client.Connect(); err != nil {
			connectErr <- err
		}
		a.closeInbound(ch)
	}()

	select {
	case <-connected:
		return ch, nil
	case err := <-connectErr:
		return nil, fmt.Errorf("twitch: connect: %w", err)
	case <-ctx.Done():
		_ = client.Disconnect()
		return nil, ctx.Err()
	}
}

func (a *Adapter) closeInbound(ch chan conductor.InboundMessage) {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if !a.closed {
		a.closed = true
		close(ch)
	}
}

// ensureToken loads the persisted token for this instance, refreshing and
// re-persisting it when expired.
func (a *Adapter) ensureToken(ctx context.Context) (Token, error) {
	path := tokenPath(a.cfg.TokenDir, a.cfg.InstanceName)
	token, err := loadToken(path)
	if err != nil {
		return Token{}, fmt.Errorf("twitch: load token: %w", err)
	}
	if !token.Expired(time.Now()) {
		return token, nil
	}

	a.logger.Info("twitch: access token expired, refreshing")
	fresh, err := refreshToken(ctx, a.httpClient, a.oauthURL, a.cfg.ClientID, a.cfg.ClientSecret, token)
	if err != nil {
		return Token{}, err
	}
	if err := saveToken(path, fresh); err != nil {
		return Token{}, err
	}
	return fresh, nil
}

// toInbound filters a chat message against the permission policy and maps
// it to an InboundMessage.
func (a *Adapter) toInbound(m twitchirc.PrivateMessage) (conductor.InboundMessage, bool) {
	if strings.EqualFold(m.User.Name, a.cfg.Username) {
		return conductor.InboundMessage{}, false
	}
	if len(a.allowedUserIDs) > 0 && !a.allowedUserIDs[m.User.ID] {
		return conductor.InboundMessage{}, false
	}

	text := m.Message
	if a.triggerPrefix != "" {
		if !strings.HasPrefix(text, a.triggerPrefix) {
			return conductor.InboundMessage{}, false
		}
		text = strings.TrimPrefix(text, a.triggerPrefix)
	}

	author := m.User.DisplayName
	if author == "" {
		author = m.User.Name
	}

	return conductor.InboundMessage{
		ID:             m.ID,
		Source:         "twitch",
		Adapter:        a.name,
		ConversationID: conductor.ChannelId("twitch:" + m.Channel),
		SenderID:       m.User.ID,
		Content:        conductor.MessageContent{Text: text},
		Timestamp:      m.Time.Unix(),
		Metadata: map[string]string{
			"twitch_channel": m.Channel,
			"twitch_login":   m.User.Name,
		},
		FormattedAuthor: fmt.Sprintf("%s (@%s)", author, m.User.Name),
	}, true
}

// Respond delivers resp into the channel the original message arrived on.
func (a *Adapter) Respond(_ context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	channel := original.Metadata["twitch_channel"]
	if channel == "" {
		channel = strings.TrimPrefix(string(original.ConversationID), "twitch:")
	}
	return a.deliver(channel, resp)
}

// Broadcast delivers resp to a channel login (leading '#' already stripped
// by target normalization).
func (a *Adapter) Broadcast(_ context.Context, target string, resp conductor.OutboundResponse) error {
	return a.deliver(strings.TrimPrefix(target, "#"), resp)
}

// deliver maps the tagged response onto what Twitch chat can express:
// plain messages. There are no edits, so StreamStart and StreamChunk are
// dropped and only the final StreamEnd text is sent; reactions, polls, and
// statuses are silent no-ops.
func (a *Adapter) deliver(channel string, resp conductor.OutboundResponse) error {
	switch resp.Kind {
	case conductor.KindText, conductor.KindThreadReply, conductor.KindEphemeral:
		return a.send(channel, resp.Text)
	case conductor.KindRichMessage:
		// Polls are dropped; the text is still worth saying.
		return a.send(channel, resp.Text)
	case conductor.KindFile:
		if resp.Caption != "" {
			return a.send(channel, resp.Caption)
		}
		return nil
	case conductor.KindStreamEnd:
		return a.send(channel, resp.Text)
	case conductor.KindScheduledMessage:
		a.logger.Warn("twitch: scheduled message degraded to immediate send", "channel", channel)
		return a.send(channel, resp.Text)
	case conductor.KindStreamStart, conductor.KindStreamChunk,
		conductor.KindReaction, conductor.KindRemoveReaction, conductor.KindStatus:
		return nil
	default:
		return fmt.Errorf("twitch: unhandled response kind %v", resp.Kind)
	}
}

func (a *Adapter) send(channel, text string) error {
	if text == "" {
		return nil
	}
	if a.say == nil {
		return fmt.Errorf("twitch: not connected")
	}
	for _, chunk := range messaging.SplitMessage(text, maxMessageLength) {
		a.say(channel, chunk)
	}
	return nil
}

// FetchHistory is unsupported: Twitch chat has no history API for bots.
func (a *Adapter) FetchHistory(context.Context, conductor.InboundMessage, int) ([]messaging.HistoryMessage, error) {
	return nil, messaging.ErrNotSupported
}

// HealthCheck verifies the persisted token is still usable.
func (a *Adapter) HealthCheck(context.Context) error {
	token, err := loadToken(tokenPath(a.cfg.TokenDir, a.cfg.InstanceName))
	if err != nil {
		return err
	}
	if token.Expired(time.Now()) && token.RefreshToken == "" {
		return fmt.Errorf("twitch: token expired with no refresh token")
	}
	return nil
}

func (a *Adapter) Shutdown(context.Context) error {
	a.shutdownMu.Lock()
	client := a.client
	a.shutdownMu.Unlock()
	if client != nil {
		return client.Disconnect()
	}
	return nil
}
