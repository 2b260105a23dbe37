// Package slack implements a messaging.Adapter for Slack over Socket Mode.
// Threads map to conversations: a message in a thread lands in that
// thread's channel runtime, and replies carry the thread_ts so they stay in
// the thread. Slack is the one platform here with native ephemeral and
// scheduled sends, so those variants deliver without degradation.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

const (
	maxMessageLength = 4000
	minEditInterval  = time.Second
	inboundBuffer    = 256
)

// Adapter is a messaging.Adapter backed by the Slack Web and Socket Mode APIs.
type Adapter struct {
	name   string
	api    *goslack.Client
	socket *socketmode.Client
	logger *slog.Logger

	botUserID string

	allowedUserIDs    map[string]bool
	allowedChannelIDs map[string]bool
	triggerPrefix     string

	shutdownMu sync.Mutex
	closed     bool
	cancel     context.CancelFunc

	streamMu sync.Mutex
	streams  map[string]*streamState // keyed by channel[:thread_ts]
}

type streamState struct {
	timestamp  string
	lastEditAt time.Time
	text       string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInstanceName registers this adapter under runtime key
// "slack:{name}" instead of the default "slack".
func WithInstanceName(name string) Option {
	return func(a *Adapter) { a.name = messaging.RuntimeKey("slack", name) }
}

// WithAllowedUsers restricts DM ingestion to the given Slack user IDs.
func WithAllowedUsers(ids ...string) Option {
	return func(a *Adapter) {
		for _, id := range ids {
			a.allowedUserIDs[id] = true
		}
	}
}

// WithAllowedChannels restricts channel ingestion to the given channel IDs.
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

// New creates a Slack adapter. botToken is the xoxb- bot token; appToken is
// the xapp- app-level token Socket Mode requires.
func New(botToken, appToken string, opts ...Option) *Adapter {
	api := goslack.New(botToken, goslack.OptionAppLevelToken(appToken))
	a := &Adapter{
		name:              "slack",
		api:               api,
		socket:            socketmode.New(api),
		logger:            slog.New(discardHandler{}),
		allowedUserIDs:    make(map[string]bool),
		allowedChannelIDs: make(map[string]bool),
		streams:           make(map[string]*streamState),
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
func (a *Adapter) Platform() string { return "slack" }

// Start authenticates, opens the Socket Mode connection, and begins
// emitting InboundMessages.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	ch := make(chan conductor.InboundMessage, inboundBuffer)
	go a.eventLoop(runCtx, ch)
	go func() {
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("slack: socket mode stopped", "error", err)
		}
	}()

	return ch, nil
}

func (a *Adapter) eventLoop(ctx context.Context, ch chan<- conductor.InboundMessage) {
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				a.socket.Ack(*evt.Request)
			}
			msgEvent, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			msg, ok := a.toInbound(msgEvent)
			if !ok {
				continue
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toInbound filters an events-API message against the permission policy and
// maps it to an InboundMessage.
func (a *Adapter) toInbound(m *slackevents.MessageEvent) (conductor.InboundMessage, bool) {
	// Never our own messages, other bots, or non-message subtypes
	// (edits, joins, etc.).
	if m.User == "" || m.User == a.botUserID || m.BotID != "" || m.SubType != "" {
		return conductor.InboundMessage{}, false
	}

	isDM := m.ChannelType == "im"
	if isDM {
		if len(a.allowedUserIDs) > 0 && !a.allowedUserIDs[m.User] {
			return conductor.InboundMessage{}, false
		}
	} else if len(a.allowedChannelIDs) > 0 && !a.allowedChannelIDs[m.Channel] {
		return conductor.InboundMessage{}, false
	}

	text := m.Text
	if a.triggerPrefix != "" {
		if !strings.HasPrefix(text, a.triggerPrefix) {
			return conductor.InboundMessage{}, false
		}
		text = strings.TrimPrefix(text, a.triggerPrefix)
	}

	// A thread is its own conversation; top-level messages share the
	// channel's conversation.
	convID := conductor.ChannelId("slack:" + m.Channel)
	if m.ThreadTimeStamp != "" {
		convID = conductor.ChannelId("slack:" + m.Channel + ":" + m.ThreadTimeStamp)
	}

	var attachments []conductor.Attachment
	for _, f := range m.Files {
		attachments = append(attachments, conductor.Attachment{
			Filename:  f.Name,
			MimeType:  f.Mimetype,
			URL:       f.URLPrivate,
			SizeBytes: int64(f.Size),
		})
	}

	return conductor.InboundMessage{
		ID:             m.TimeStamp,
		Source:         "slack",
		Adapter:        a.name,
		ConversationID: convID,
		SenderID:       m.User,
		Content:        conductor.MessageContent{Text: text, Attachments: attachments},
		Timestamp:      slackTSToUnix(m.TimeStamp),
		Metadata: map[string]string{
			"slack_channel":   m.Channel,
			"slack_ts":        m.TimeStamp,
			"slack_thread_ts": m.ThreadTimeStamp,
		},
	}, true
}

// slackTSToUnix converts a Slack "1700000000.000200" timestamp to unix seconds.
func slackTSToUnix(ts string) int64 {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Respond delivers resp in the context of original: thread replies stay in
// the thread, ephemerals target the original sender.
func (a *Adapter) Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	channel := original.Metadata["slack_channel"]
	if channel == "" {
		channel = channelFromConversationID(original.ConversationID)
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel derivable from %q", original.ConversationID)
	}
	threadTS := original.Metadata["slack_thread_ts"]
	return a.deliver(ctx, channel, threadTS, original.Metadata["slack_ts"], original.SenderID, resp)
}

// Broadcast delivers resp to a normalized slack target (a bare channel id).
func (a *Adapter) Broadcast(ctx context.Context, target string, resp conductor.OutboundResponse) error {
	return a.deliver(ctx, target, "", "", "", resp)
}

func (a *Adapter) deliver(ctx context.Context, channel, threadTS, msgTS, userID string, resp conductor.OutboundResponse) error {
	threadOpt := func(opts []goslack.MsgOption) []goslack.MsgOption {
		if threadTS != "" {
			return append(opts, goslack.MsgOptionTS(threadTS))
		}
		return opts
	}

	switch resp.Kind {
	case conductor.KindText, conductor.KindRichMessage:
		if err := a.send(ctx, channel, threadTS, resp.Text); err != nil {
			return err
		}
		if resp.Kind == conductor.KindRichMessage && resp.Poll != nil {
			// No poll API; render the options as a message.
			var b strings.Builder
			b.WriteString(resp.Poll.Question)
			for i, opt := range resp.Poll.Options {
				fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
			}
			return a.send(ctx, channel, threadTS, b.String())
		}
		return nil
	case conductor.KindThreadReply:
		// Anchor a fresh thread on the message being replied to if we aren't
		// already inside one; with no such message the reply goes to the
		// channel.
		if threadTS == "" {
			threadTS = msgTS
		}
		return a.send(ctx, channel, threadTS, resp.Text)
	case conductor.KindFile:
		_, err := a.api.UploadFileV2Context(ctx, goslack.UploadFileV2Parameters{
			Filename:       resp.Filename,
			FileSize:       len(resp.Bytes),
			Reader:         bytes.NewReader(resp.Bytes),
			Channel:        channel,
			InitialComment: resp.Caption,
			ThreadTs:       threadTS,
		})
		return err
	case conductor.KindReaction:
		if msgTS == "" {
			return nil
		}
		return a.api.AddReactionContext(ctx, strings.Trim(resp.Emoji, ":"), goslack.ItemRef{Channel: channel, Timestamp: msgTS})
	case conductor.KindRemoveReaction:
		if msgTS == "" {
			return nil
		}
		return a.api.RemoveReactionContext(ctx, strings.Trim(resp.Emoji, ":"), goslack.ItemRef{Channel: channel, Timestamp: msgTS})
	case conductor.KindStatus:
		// No persistent typing indicator over the Web API; no-op.
		return nil
	case conductor.KindStreamStart:
		return a.streamStart(ctx, channel, threadTS)
	case conductor.KindStreamChunk:
		return a.streamChunk(ctx, channel, threadTS, resp.Text)
	case conductor.KindStreamEnd:
		return a.streamEnd(ctx, channel, threadTS, resp.Text)
	case conductor.KindEphemeral:
		target := resp.TargetUser
		if target == "" {
			target = userID
		}
		if target == "" {
			return a.send(ctx, channel, threadTS, resp.Text)
		}
		_, err := a.api.PostEphemeralContext(ctx, channel, target,
			threadOpt([]goslack.MsgOption{goslack.MsgOptionText(resp.Text, false)})...)
		return err
	case conductor.KindScheduledMessage:
		postAt := strconv.FormatInt(resp.PostAtUnix, 10)
		_, _, err := a.api.ScheduleMessageContext(ctx, channel, postAt,
			threadOpt([]goslack.MsgOption{goslack.MsgOptionText(resp.Text, false)})...)
		return err
	default:
		return fmt.Errorf("slack: unhandled response kind %v", resp.Kind)
	}
}

func (a *Adapter) send(ctx context.Context, channel, threadTS, text string) error {
	if text == "" {
		return nil
	}
	for _, chunk := range messaging.SplitMessage(text, maxMessageLength) {
		opts := []goslack.MsgOption{goslack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, goslack.MsgOptionTS(threadTS))
		}
		if _, _, err := a.api.PostMessageContext(ctx, channel, opts...); err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) streamKey(channel, threadTS string) string {
	if threadTS == "" {
		return channel
	}
	return channel + ":" + threadTS
}

func (a *Adapter) streamStart(ctx context.Context, channel, threadTS string) error {
	opts := []goslack.MsgOption{goslack.MsgOptionText("...", false)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	_, ts, err := a.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return fmt.Errorf("slack: stream start: %w", err)
	}
	a.streamMu.Lock()
	a.streams[a.streamKey(channel, threadTS)] = &streamState{timestamp: ts, lastEditAt: time.Now()}
	a.streamMu.Unlock()
	return nil
}

// streamChunk coalesces the running text into edits of the placeholder,
// rate-limited to one edit per second.
func (a *Adapter) streamChunk(ctx context.Context, channel, threadTS, text string) error {
	a.streamMu.Lock()
	st, ok := a.streams[a.streamKey(channel, threadTS)]
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
	ts := st.timestamp
	a.streamMu.Unlock()

	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	_, _, _, err := a.api.UpdateMessageContext(ctx, channel, ts, goslack.MsgOptionText(text, false))
	return err
}

func (a *Adapter) streamEnd(ctx context.Context, channel, threadTS, text string) error {
	key := a.streamKey(channel, threadTS)
	a.streamMu.Lock()
	st, ok := a.streams[key]
	delete(a.streams, key)
	a.streamMu.Unlock()
	if !ok {
		return nil
	}
	if text == "" {
		text = st.text
	}

	chunks := messaging.SplitMessage(text, maxMessageLength)
	if _, _, _, err := a.api.UpdateMessageContext(ctx, channel, st.timestamp, goslack.MsgOptionText(chunks[0], false)); err != nil {
		return fmt.Errorf("slack: stream end: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if err := a.send(ctx, channel, threadTS, chunk); err != nil {
			return err
		}
	}
	return nil
}

// FetchHistory returns up to limit prior messages from the originating
// channel, oldest first.
func (a *Adapter) FetchHistory(ctx context.Context, original conductor.InboundMessage, limit int) ([]messaging.HistoryMessage, error) {
	channel := original.Metadata["slack_channel"]
	if channel == "" {
		channel = channelFromConversationID(original.ConversationID)
	}
	resp, err := a.api.GetConversationHistoryContext(ctx, &goslack.GetConversationHistoryParameters{
		ChannelID: channel,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: fetch history: %w", err)
	}

	history := make([]messaging.HistoryMessage, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		history = append(history, messaging.HistoryMessage{
			SenderName: m.User,
			Content:    m.Text,
			Timestamp:  slackTSToUnix(m.Timestamp),
		})
	}
	return history, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.api.AuthTestContext(ctx)
	return err
}

func (a *Adapter) Shutdown(context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// channelFromConversationID recovers the channel id from a conversation id
// this adapter produced: "slack:{channel}" or "slack:{channel}:{thread_ts}".
func channelFromConversationID(id conductor.ChannelId) string {
	parts := strings.Split(string(id), ":")
	if len(parts) < 2 || parts[0] != "slack" || parts[1] == "" {
		return ""
	}
	return parts[1]
}
