// Package email implements a messaging.Adapter over IMAP (ingest) and SMTP
// (delivery). Inbound mail is polled from the inbox, threaded into
// conversations by References chain, and answered with proper In-Reply-To
// headers so replies land in the same thread in the correspondent's client.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomsg "github.com/emersion/go-message/mail"
	gomail "github.com/wneessen/go-mail"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

const (
	defaultPollInterval = time.Minute
	minBackoff          = 5 * time.Second
	maxBackoff          = 300 * time.Second
)

// Config carries the account and server settings for one email adapter.
type Config struct {
	// Address is the account's own address; mail from it is never ingested.
	Address string
	// AccountKey names the account inside conversation ids
	// ("email:{account_key}:{thread_hash}"). Defaults to Address.
	AccountKey string

	IMAPAddr string // host:port, TLS
	SMTPHost string
	SMTPPort int

	Username string
	Password string

	// PollInterval is how often the inbox is polled for unread mail.
	PollInterval time.Duration
	// AllowedSenders restricts ingestion to these addresses. Empty allows all.
	AllowedSenders []string
	// Subject used for broadcast mail that starts a fresh thread.
	BroadcastSubject string
}

// Adapter is a messaging.Adapter for an IMAP/SMTP mail account.
type Adapter struct {
	name   string
	cfg    Config
	logger *slog.Logger

	allowedSenders map[string]bool

	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	closed     bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInstanceName registers this adapter under runtime key
// "email:{name}" instead of the default "email".
func WithInstanceName(name string) Option {
	return func(a *Adapter) { a.name = messaging.RuntimeKey("email", name) }
}

// WithLogger sets the structured logger used for adapter lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an email adapter for cfg.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.AccountKey == "" {
		cfg.AccountKey = cfg.Address
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BroadcastSubject == "" {
		cfg.BroadcastSubject = "Automated message"
	}

	a := &Adapter{
		name:           "email",
		cfg:            cfg,
		logger:         slog.New(discardHandler{}),
		allowedSenders: make(map[string]bool),
		shutdownCh:     make(chan struct{}),
	}
	for _, s := range cfg.AllowedSenders {
		a.allowedSenders[strings.ToLower(s)] = true
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
func (a *Adapter) Platform() string { return "email" }

// Start verifies the IMAP credentials once, then begins polling the inbox.
func (a *Adapter) Start(ctx context.Context) (<-chan conductor.InboundMessage, error) {
	if err := a.HealthCheck(ctx); err != nil {
		return nil, err
	}
	ch := make(chan conductor.InboundMessage, 64)
	go a.pollLoop(ctx, ch)
	return ch, nil
}

func (a *Adapter) pollLoop(ctx context.Context, ch chan<- conductor.InboundMessage) {
	defer close(ch)
	backoff := minBackoff

	for {
		wait := a.cfg.PollInterval
		if err := a.pollOnce(ctx, ch); err != nil {
			a.logger.Warn("email: poll failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-a.shutdownCh:
			return
		case <-time.After(wait):
		}
	}
}

// pollOnce opens a fresh IMAP session, ingests every unread message, and
// disconnects. A message is marked read only after it has been parsed and
// emitted (or deliberately skipped); fetch failures leave it unread so the
// next poll retries it.
func (a *Adapter) pollOnce(ctx context.Context, ch chan<- conductor.InboundMessage) error {
	c, err := imapclient.DialTLS(a.cfg.IMAPAddr, nil)
	if err != nil {
		return fmt.Errorf("email: dial %s: %w", a.cfg.IMAPAddr, err)
	}
	defer c.Close()

	if err := c.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("email: login: %w", err)
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("email: select inbox: %w", err)
	}

	searchData, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("email: search unseen: %w", err)
	}

	for _, uid := range searchData.AllUIDs() {
		select {
		case <-ctx.Done():
			return nil
		case <-a.shutdownCh:
			return nil
		default:
		}

		if err := a.processUID(c, uid, ch); err != nil {
			// Not marked read: the next poll will retry this UID.
			a.logger.Warn("email: process failed, leaving unread", "uid", uid, "error", err)
			continue
		}
		if err := a.markSeen(c, uid); err != nil {
			a.logger.Warn("email: mark seen failed", "uid", uid, "error", err)
		}
	}
	return nil
}

func (a *Adapter) processUID(c *imapclient.Client, uid imap.UID, ch chan<- conductor.InboundMessage) error {
	section := &imap.FetchItemBodySection{}
	cmd := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := cmd.Collect()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("fetch: uid %d not found", uid)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return fmt.Errorf("fetch: uid %d has no body", uid)
	}

	pm, err := parseMail(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if reason := skipReason(pm, a.cfg.Address, a.allowedSenders); reason != "" {
		// Skipped deliberately: mark read so it isn't re-evaluated forever.
		a.logger.Debug("email: skipping message", "uid", uid, "reason", reason)
		return nil
	}

	msg := a.toInbound(pm)
	select {
	case ch <- msg:
		return nil
	case <-a.shutdownCh:
		return fmt.Errorf("shutting down")
	}
}

func (a *Adapter) markSeen(c *imapclient.Client, uid imap.UID) error {
	return c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

func (a *Adapter) toInbound(pm parsedMail) conductor.InboundMessage {
	key := threadKey(pm)
	convID := conductor.ChannelId("email:" + a.cfg.AccountKey + ":" + threadHash(key))

	var attachments []conductor.Attachment
	for _, att := range pm.Attachments {
		attachments = append(attachments, conductor.Attachment{
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			SizeBytes: att.Size,
		})
	}

	author := pm.FromAddress
	if pm.FromName != "" {
		author = fmt.Sprintf("%s (%s)", pm.FromName, pm.FromAddress)
	}

	return conductor.InboundMessage{
		ID:             pm.MessageID,
		Source:         "email",
		Adapter:        a.name,
		ConversationID: convID,
		SenderID:       strings.ToLower(pm.FromAddress),
		Content:        conductor.MessageContent{Text: pm.Body, Attachments: attachments},
		Timestamp:      conductor.NowUnix(),
		Metadata: map[string]string{
			"email_message_id": pm.MessageID,
			"email_references": pm.References,
			"email_subject":    pm.Subject,
			"email_from":       pm.FromAddress,
			"email_thread_key": key,
		},
		FormattedAuthor: author,
	}
}

// parseMail extracts the headers, first text/plain part, and attachment
// list from a raw RFC 5322 message.
func parseMail(r io.Reader) (parsedMail, error) {
	mr, err := gomsg.CreateReader(r)
	if err != nil {
		return parsedMail{}, err
	}

	var pm parsedMail
	h := mr.Header
	pm.Subject, _ = h.Subject()
	pm.MessageID, _ = h.MessageID()
	pm.InReplyTo = h.Get("In-Reply-To")
	pm.References = h.Get("References")
	pm.Auto = h.Get("Auto-Submitted")
	pm.Precedence = h.Get("Precedence")
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		pm.FromAddress = addrs[0].Address
		pm.FromName = addrs[0].Name
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed trailing part doesn't void what we already have.
			break
		}
		switch ph := p.Header.(type) {
		case *gomsg.InlineHeader:
			ct, _, _ := ph.ContentType()
			if pm.Body == "" && (ct == "" || ct == "text/plain") {
				b, _ := io.ReadAll(p.Body)
				pm.Body = strings.TrimSpace(string(b))
			}
		case *gomsg.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			pm.Attachments = append(pm.Attachments, attachmentInfo{Filename: filename, MimeType: ct})
		}
	}
	return pm, nil
}

// Respond sends resp as a reply in the thread original belongs to, setting
// In-Reply-To and References so mail clients keep the conversation together.
func (a *Adapter) Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error {
	to := original.Metadata["email_from"]
	if to == "" {
		return fmt.Errorf("email: original message carries no sender address")
	}

	text, attach, ok := a.flatten(resp)
	if !ok {
		return nil
	}

	m := gomail.NewMsg()
	if err := m.From(a.cfg.Address); err != nil {
		return fmt.Errorf("email: from: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("email: to %q: %w", to, err)
	}
	m.Subject(replySubject(original.Metadata["email_subject"]))
	if msgID := original.Metadata["email_message_id"]; msgID != "" {
		m.SetGenHeader(gomail.HeaderInReplyTo, "<"+msgID+">")
		m.SetGenHeader("References", appendReference(original.Metadata["email_references"], msgID))
	}
	m.SetBodyString(gomail.TypeTextPlain, text)
	if attach != nil {
		if err := m.AttachReader(attach.filename, bytes.NewReader(attach.data)); err != nil {
			return fmt.Errorf("email: attach %q: %w", attach.filename, err)
		}
	}
	return a.send(ctx, m)
}

// Broadcast starts (or continues) a thread directly to an address.
func (a *Adapter) Broadcast(ctx context.Context, target string, resp conductor.OutboundResponse) error {
	text, attach, ok := a.flatten(resp)
	if !ok {
		return nil
	}

	m := gomail.NewMsg()
	if err := m.From(a.cfg.Address); err != nil {
		return fmt.Errorf("email: from: %w", err)
	}
	if err := m.To(target); err != nil {
		return fmt.Errorf("email: to %q: %w", target, err)
	}
	m.Subject(a.cfg.BroadcastSubject)
	m.SetBodyString(gomail.TypeTextPlain, text)
	if attach != nil {
		if err := m.AttachReader(attach.filename, bytes.NewReader(attach.data)); err != nil {
			return fmt.Errorf("email: attach %q: %w", attach.filename, err)
		}
	}
	return a.send(ctx, m)
}

type outboundAttachment struct {
	filename string
	data     []byte
}

// flatten reduces a tagged response to the text-or-file shape email can
// express. ok=false means the variant is a silent no-op on this platform.
func (a *Adapter) flatten(resp conductor.OutboundResponse) (string, *outboundAttachment, bool) {
	switch resp.Kind {
	case conductor.KindText, conductor.KindThreadReply:
		return resp.Text, nil, resp.Text != ""
	case conductor.KindRichMessage:
		text := resp.Text
		if resp.Poll != nil {
			var b strings.Builder
			b.WriteString(text)
			b.WriteString("\n\n")
			b.WriteString(resp.Poll.Question)
			for _, opt := range resp.Poll.Options {
				b.WriteString("\n- ")
				b.WriteString(opt)
			}
			text = b.String()
		}
		return text, nil, text != ""
	case conductor.KindFile:
		return resp.Caption, &outboundAttachment{filename: resp.Filename, data: resp.Bytes}, true
	case conductor.KindStreamEnd:
		// Mail has no edits; the whole stream collapses into the final text.
		return resp.Text, nil, resp.Text != ""
	case conductor.KindEphemeral:
		a.logger.Warn("email: ephemeral degraded to a normal reply")
		return resp.Text, nil, resp.Text != ""
	case conductor.KindScheduledMessage:
		a.logger.Warn("email: scheduled message degraded to immediate send", "post_at", resp.PostAtUnix)
		return resp.Text, nil, resp.Text != ""
	default:
		// Reactions, statuses, stream chunks: nothing sensible to mail.
		return "", nil, false
	}
}

func (a *Adapter) send(ctx context.Context, m *gomail.Msg) error {
	client, err := gomail.NewClient(a.cfg.SMTPHost,
		gomail.WithPort(a.cfg.SMTPPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(a.cfg.Username),
		gomail.WithPassword(a.cfg.Password),
	)
	if err != nil {
		return fmt.Errorf("email: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

// FetchHistory is unsupported: the conversation log is the system of record
// for mail threads, not a re-fetch of the mailbox.
func (a *Adapter) FetchHistory(context.Context, conductor.InboundMessage, int) ([]messaging.HistoryMessage, error) {
	return nil, messaging.ErrNotSupported
}

// HealthCheck dials the IMAP server and authenticates.
func (a *Adapter) HealthCheck(context.Context) error {
	c, err := imapclient.DialTLS(a.cfg.IMAPAddr, nil)
	if err != nil {
		return fmt.Errorf("email: dial %s: %w", a.cfg.IMAPAddr, err)
	}
	defer c.Close()
	if err := c.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("email: login: %w", err)
	}
	return c.Logout().Wait()
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
