// Package discord implements a messaging.Adapter for Discord, built on the
// discordgo gateway client.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

const (
	maxMessageLength = 2000
	minEditInterval  = time.Second
	inboundBuffer    = 256
)

// Adapter is a messaging.Adapter backed by the Discord gateway.
type Adapter struct {
	name    string
	session *discordgo.Session
	logger  *slog.Logger

	// permission filters, applied to every inbound message
	allowedUserIDs    map[string]bool // empty means allow everyone in DMs
	allowedChannelIDs map[string]bool // empty means allow every channel
	triggerPrefix     string

	shutdownMu sync.Mutex
	closed     bool
	removeFunc func() // detaches the gateway handler
	inbound    chan conductor.InboundMessage

	streamMu sync.Mutex
	streams  map[string]*streamState // keyed by target channel id
}

// streamState tracks the in-progress message a stream is being edited into.
type streamState struct {
	messageID  string
	lastEditAt time.Time
	text       string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInstanceName registers this adapter under runtime key
// "discord:{name}" instead of the default "discord".
func WithInstanceName(name string) Option {
	return func(a *Adapter) { a.name = messaging.RuntimeKey("discord", name) }
}

// WithAllowedUsers restricts DM ingestion to the given user IDs.
func WithAllowedUsers(ids ...string) Option {
	return func(a *Adapter) {
		for _, id := range ids {
			a.allowedUserIDs[id] = true
		}
	}
}

// WithAllowedChannels restricts guild-channel ingestion to the given
// channel IDs. Unset means every channel the bot can read.
func WithAllowedChannels(ids ...string) Option {
	return func(a *Adapter) {
		for _, id := range ids {
			a.allowedChannelIDs[id] = true
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

// New creates a Discord adapter for the given bot token.
func New(token string, opts ...Option) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	a := &Adapter{
		name:              "discord",
		session:           session,
		logger:            slog.New(discardHandler{}),
		allowedUserIDs:    make(map[string]bool),
		allowedChannelIDs: make(map[string]bool),
		streams:           make(map[string]*streamState),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Platform() string { return "discord" }

// Start opens the gateway connection and begins emitting InboundMessages.
// Returns once the gateway handshake completes.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	ch := make(chan conductor.InboundMessage, inboundBuffer)

	a.removeFunc = a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := a.toInbound(s, m)
		if !ok {
			return
		}
		// Handlers run concurrently with Shutdown; the lock orders this send
		// before the channel close.
		a.shutdownMu.Lock()
		defer a.shutdownMu.Unlock()
		if a.closed {
			return
		}
		select {
		case ch <- msg:
		default:
			a.logger.Warn("discord: inbound buffer full, dropping message", "message_id", m.ID)
		}
	})

	if err := a.session.Open(); err != nil {
		a.removeFunc()
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = a.Shutdown(context.Background())
	}()

	// Closed by Shutdown after the gateway handler is detached; the manager
	// observes the stream ending.
	a.shutdownMu.Lock()
	a.inbound = ch
	a.shutdownMu.Unlock()

	return ch, nil
}

// toInbound filters against the permission policy and maps a gateway event
// to an InboundMessage. Returns ok=false when the event should be dropped.
func (a *Adapter) toInbound(s *discordgo.Session, m *discordgo.MessageCreate) (conductor.InboundMessage, bool) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return conductor.InboundMessage{}, false
	}
	if m.Author.Bot {
		return conductor.InboundMessage{}, false
	}

	isDM := m.GuildID == ""
	if isDM {
		if len(a.allowedUserIDs) > 0 && !a.allowedUserIDs[m.Author.ID] {
			return conductor.InboundMessage{}, false
		}
	} else if len(a.allowedChannelIDs) > 0 && !a.allowedChannelIDs[m.ChannelID] {
		return conductor.InboundMessage{}, false
	}

	text := m.Content
	if a.triggerPrefix != "" {
		if !strings.HasPrefix(text, a.triggerPrefix) {
			return conductor.InboundMessage{}, false
		}
		text = strings.TrimPrefix(text, a.triggerPrefix)
	}

	var convID conductor.ChannelId
	if isDM {
		convID = conductor.ChannelId("discord:dm:" + m.ChannelID)
	} else {
		convID = conductor.ChannelId("discord:guild:" + m.GuildID + ":" + m.ChannelID)
	}

	var attachments []conductor.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, conductor.Attachment{
			Filename:  att.Filename,
			MimeType:  att.ContentType,
			URL:       att.URL,
			SizeBytes: int64(att.Size),
		})
	}

	author := m.Author.GlobalName
	if author == "" {
		author = m.Author.Username
	}
	author = fmt.Sprintf("%s (@%s)", author, m.Author.Username)

	return conductor.InboundMessage{
		ID:             m.ID,
		Source:         "discord",
		Adapter:        a.name,
		ConversationID: convID,
		SenderID:       m.Author.ID,
		Content:        conductor.MessageContent{Text: text, Attachments: attachments},
		Timestamp:      m.Timestamp.Unix(),
		Metadata: map[string]string{
			"discord_channel_id": m.ChannelID,
			"discord_message_id": m.ID,
			"discord_guild_id":   m.GuildID,
		},
		FormattedAuthor: author,
	}, true
}

// Respond delivers resp into the channel the original message arrived on.
func (a *Adapter) Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	channelID := original.Metadata["discord_channel_id"]
	if channelID == "" {
		channelID = channelFromConversationID(original.ConversationID)
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel id derivable from %q", original.ConversationID)
	}
	return a.deliver(ctx, channelID, original.Metadata["discord_message_id"], original.SenderID, resp)
}

// Broadcast delivers resp to a normalized discord target: a bare channel id
// or "dm:{user_id}".
func (a *Adapter) Broadcast(ctx context.Context, target string, resp conductor.OutboundResponse) error {
	channelID := target
	if userID, ok := strings.CutPrefix(target, "dm:"); ok {
		dm, err := a.session.UserChannelCreate(userID)
		if err != nil {
			return fmt.Errorf("discord: open DM with %s: %w", userID, err)
		}
		channelID = dm.ID
	}
	return a.deliver(ctx, channelID, "", "", resp)
}

func (a *Adapter) deliver(ctx context.Context, channelID, messageID, userID string, resp conductor.OutboundResponse) error {
	switch resp.Kind {
	case conductor.KindText:
		return a.send(channelID, resp.Text)
	case conductor.KindRichMessage:
		if resp.Poll != nil {
			return a.sendPoll(channelID, resp.Text, resp.Poll)
		}
		return a.send(channelID, resp.Text)
	case conductor.KindThreadReply:
		return a.sendThreadReply(channelID, messageID, resp.ThreadName, resp.Text)
	case conductor.KindFile:
		_, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: resp.Caption,
			Files: []*discordgo.File{{
				Name:        resp.Filename,
				ContentType: resp.MimeType,
				Reader:      bytes.NewReader(resp.Bytes),
			}},
		})
		return err
	case conductor.KindReaction:
		if messageID == "" {
			return nil
		}
		return a.session.MessageReactionAdd(channelID, messageID, resp.Emoji)
	case conductor.KindRemoveReaction:
		if messageID == "" {
			return nil
		}
		return a.session.MessageReactionRemove(channelID, messageID, resp.Emoji, "@me")
	case conductor.KindStatus:
		return a.session.ChannelTyping(channelID)
	case conductor.KindStreamStart:
		return a.streamStart(channelID)
	case conductor.KindStreamChunk:
		return a.streamChunk(channelID, resp.Text)
	case conductor.KindStreamEnd:
		return a.streamEnd(channelID, resp.Text)
	case conductor.KindEphemeral:
		// True ephemerals exist only for interaction responses; fall back to
		// a DM to the target user, or a plain message without one.
		if resp.TargetUser != "" || userID != "" {
			target := resp.TargetUser
			if target == "" {
				target = userID
			}
			dm, err := a.session.UserChannelCreate(target)
			if err == nil {
				return a.send(dm.ID, resp.Text)
			}
		}
		return a.send(channelID, resp.Text)
	case conductor.KindScheduledMessage:
		// No scheduled-send API for bot messages; degrade to immediate send.
		a.logger.Warn("discord: scheduled message degraded to immediate send", "channel_id", channelID)
		return a.send(channelID, resp.Text)
	default:
		return fmt.Errorf("discord: unhandled response kind %v", resp.Kind)
	}
}

func (a *Adapter) send(channelID, text string) error {
	for _, chunk := range messaging.SplitMessage(text, maxMessageLength) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

func (a *Adapter) sendPoll(channelID, text string, p *conductor.Poll) error {
	answers := make([]discordgo.PollAnswer, 0, len(p.Options))
	for _, opt := range p.Options {
		answers = append(answers, discordgo.PollAnswer{Media: &discordgo.PollMedia{Text: opt}})
	}
	_, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: text,
		Poll: &discordgo.Poll{
			Question: discordgo.PollMedia{Text: p.Question},
			Answers:  answers,
			Duration: 24,
		},
	})
	return err
}

func (a *Adapter) sendThreadReply(channelID, messageID, threadName, text string) error {
	if messageID == "" {
		// Nothing to hang a thread off; degrade to a plain send.
		return a.send(channelID, text)
	}
	thread, err := a.session.MessageThreadStart(channelID, messageID, threadName, 60)
	if err != nil {
		// The message may already have a thread; send in the channel instead.
		a.logger.Warn("discord: thread start failed, sending in channel", "error", err)
		return a.send(channelID, text)
	}
	return a.send(thread.ID, text)
}

// streamStart creates the placeholder message that subsequent chunks edit.
func (a *Adapter) streamStart(channelID string) error {
	m, err := a.session.ChannelMessageSend(channelID, "...")
	if err != nil {
		return fmt.Errorf("discord: stream start: %w", err)
	}
	a.streamMu.Lock()
	a.streams[channelID] = &streamState{messageID: m.ID, lastEditAt: time.Now()}
	a.streamMu.Unlock()
	return nil
}

// streamChunk coalesces the running text into edits of the placeholder,
// rate-limited to one edit per second.
func (a *Adapter) streamChunk(channelID, text string) error {
	a.streamMu.Lock()
	st, ok := a.streams[channelID]
	if !ok {
		a.streamMu.Unlock()
		return nil
	}
	st.text = text
	if time.Since(st.lastEditAt) < minEditInterval {
		a.streamMu.Unlock()
		return nil
	}
	st.lastEditAt = time.Now()
	messageID := st.messageID
	a.streamMu.Unlock()

	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	_, err := a.session.ChannelMessageEdit(channelID, messageID, text)
	return err
}

// streamEnd finalizes the streamed message with the full text, spilling
// anything past the length limit into follow-up messages.
func (a *Adapter) streamEnd(channelID, text string) error {
	a.streamMu.Lock()
	st, ok := a.streams[channelID]
	delete(a.streams, channelID)
	a.streamMu.Unlock()
	if !ok {
		return nil
	}
	if text == "" {
		text = st.text
	}

	chunks := messaging.SplitMessage(text, maxMessageLength)
	if _, err := a.session.ChannelMessageEdit(channelID, st.messageID, chunks[0]); err != nil {
		return fmt.Errorf("discord: stream end: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// FetchHistory returns up to limit prior messages from the originating channel.
func (a *Adapter) FetchHistory(_ context.Context, original conductor.InboundMessage, limit int) ([]messaging.HistoryMessage, error) {
	channelID := original.Metadata["discord_channel_id"]
	if channelID == "" {
		channelID = channelFromConversationID(original.ConversationID)
	}
	msgs, err := a.session.ChannelMessages(channelID, limit, original.Metadata["discord_message_id"], "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetch history: %w", err)
	}

	// Discord returns newest-first; reverse into chronological order.
	history := make([]messaging.HistoryMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		history = append(history, messaging.HistoryMessage{
			SenderName: m.Author.Username,
			Content:    m.Content,
			Timestamp:  m.Timestamp.Unix(),
		})
	}
	return history, nil
}

func (a *Adapter) HealthCheck(context.Context) error {
	if a.session.State.User == nil {
		return fmt.Errorf("discord: gateway not connected")
	}
	return nil
}

func (a *Adapter) Shutdown(context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.removeFunc != nil {
		a.removeFunc()
	}
	err := a.session.Close()
	if a.inbound != nil {
		close(a.inbound)
	}
	return err
}

// channelFromConversationID recovers the platform channel id from a
// conversation id this adapter produced: "discord:dm:{channel}" or
// "discord:guild:{guild}:{channel}".
func channelFromConversationID(id conductor.ChannelId) string {
	parts := strings.Split(string(id), ":")
	if len(parts) < 3 || parts[0] != "discord" {
		return ""
	}
	return parts[len(parts)-1]
}
