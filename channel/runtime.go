// Package channel implements the per-conversation actor: a single-threaded
// cooperative mailbox that turns InboundMessages into agent turns, tracks a
// status block, and replies through the messaging manager.
package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/conversation"
	"github.com/sra/conductor/messaging"
)

// defaultMailboxDepth bounds how many inbound messages can queue for a
// channel before Post starts rejecting new ones (the sender must retry or
// drop, never block the adapter that's feeding it).
const defaultMailboxDepth = 32

// defaultMaxBranches bounds how many concurrent branch tasks (subagent
// delegations, background tool work) a single channel runtime may have in
// flight at once.
const defaultMaxBranches = 4

// Option configures a Runtime.
type Option func(*Runtime)

// WithMailboxDepth overrides the inbound message queue depth.
func WithMailboxDepth(n int) Option {
	return func(r *Runtime) { r.mailboxDepth = n }
}

// WithMaxBranches overrides the concurrent branch-task limit.
func WithMaxBranches(n int) Option {
	return func(r *Runtime) { r.maxBranches = n }
}

// WithLogger sets the structured logger used for runtime lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithReplyTimeout bounds how long a single agent turn may run before the
// runtime gives up and reports failure on the event bus.
func WithReplyTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.replyTimeout = d }
}

// WithResponseSink diverts every outbound response into fn instead of the
// messaging manager. Used for ephemeral runtimes (cron executions, the
// bulletin loop) whose "platform" is the caller collecting the output.
func WithResponseSink(fn func(conductor.OutboundResponse)) Option {
	return func(r *Runtime) { r.sink = fn }
}

// WithBulletin wires the ambient memory digest into every turn: fn is read
// at turn time (typically cortex.Loop.Current) and prefixed to the agent's
// input alongside the status block.
func WithBulletin(fn func() string) Option {
	return func(r *Runtime) { r.bulletin = fn }
}

// Runtime is the live actor for one ChannelId: it owns the mailbox, the
// agent that answers messages posted to it, and the bounded pool of branch
// workers it may spawn for side work.
type Runtime struct {
	id        conductor.ChannelId
	agent     conductor.Agent
	conv      *conversation.Store
	msgMgr    *messaging.Manager
	bus       *conductor.Bus
	logger    *slog.Logger
	replyTimeout time.Duration

	mailboxDepth int
	maxBranches  int

	mailbox   chan conductor.InboundMessage
	branchSem chan struct{}
	sink      func(conductor.OutboundResponse)
	bulletin  func() string

	postMu sync.RWMutex
	closed bool

	statusMu sync.RWMutex
	status   string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel runtime bound to id, answering with agent. The
// runtime is idle until Start is called.
func New(id conductor.ChannelId, agent conductor.Agent, conv *conversation.Store, msgMgr *messaging.Manager, bus *conductor.Bus, opts ...Option) *Runtime {
	r := &Runtime{
		id:           id,
		agent:        agent,
		conv:         conv,
		msgMgr:       msgMgr,
		bus:          bus,
		logger:       slog.New(discardHandler{}),
		mailboxDepth: defaultMailboxDepth,
		maxBranches:  defaultMaxBranches,
		replyTimeout: 2 * time.Minute,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.mailbox = make(chan conductor.InboundMessage, r.mailboxDepth)
	r.branchSem = make(chan struct{}, r.maxBranches)
	return r
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ID returns the channel this runtime serves.
func (r *Runtime) ID() conductor.ChannelId { return r.id }

// Status returns the runtime's current status block.
func (r *Runtime) Status() string {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// SetStatus updates the status block and publishes an EventWorkerStatus.
func (r *Runtime) SetStatus(status string) {
	r.applyStatus(conductor.TruncateStatus(status))
	r.publish(conductor.ProcessEvent{Kind: conductor.EventWorkerStatus, ChannelID: r.id, Status: r.Status()})
}

// applyStatus sets the status block without republishing, so status arriving
// from the bus doesn't echo back onto it.
func (r *Runtime) applyStatus(status string) {
	r.statusMu.Lock()
	r.status = status
	r.statusMu.Unlock()
}

// watchStatus folds EventWorkerStatus events for this channel — emitted by
// workers through the set_status tool — into the status block.
func (r *Runtime) watchStatus(sub <-chan conductor.ProcessEvent, unsub func()) {
	defer unsub()
	for {
		select {
		case <-r.done:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Kind == conductor.EventWorkerStatus && evt.ChannelID == r.id {
				r.applyStatus(evt.Status)
			}
		}
	}
}

// Start launches the mailbox's single processing goroutine. ctx bounds the
// runtime's entire lifetime; cancelling it stops the goroutine without
// processing messages still queued in the mailbox.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.publish(conductor.ProcessEvent{Kind: conductor.EventWorkerStarted, ChannelID: r.id})
	if r.bus != nil {
		sub, unsub := r.bus.Subscribe(16)
		go r.watchStatus(sub, unsub)
	}
	go r.run(ctx)
}

// Stop cancels the runtime and waits for its goroutine to exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Post enqueues an inbound message for processing. Returns false without
// blocking if the mailbox is full or already closed — the caller (an
// adapter) must not stall on a single slow channel.
func (r *Runtime) Post(msg conductor.InboundMessage) bool {
	r.postMu.RLock()
	defer r.postMu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.mailbox <- msg:
		return true
	default:
		return false
	}
}

// Close seals the mailbox: no further messages are accepted, and once the
// queued ones are processed the runtime's goroutine exits on its own. This
// is the drain-and-exit path; Stop is the abort path.
func (r *Runtime) Close() {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.mailbox)
}

// Done is closed once the runtime's goroutine has exited, whether by Close
// draining out or by Stop cancelling it.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) run(ctx context.Context) {
	defer close(r.done)
	defer r.publish(conductor.ProcessEvent{Kind: conductor.EventWorkerCompleted, ChannelID: r.id})

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.mailbox:
			if !ok {
				return
			}
			r.handle(ctx, msg)
		}
	}
}

// handle processes a single inbound message to completion: logs it,
// invokes the agent, logs the reply, and delivers it back through the
// originating adapter. Single-threaded by construction — run is the only
// caller, and it never calls handle concurrently with itself.
func (r *Runtime) handle(ctx context.Context, msg conductor.InboundMessage) {
	r.appendToLog(ctx, conversation.RoleUser, msg.FormattedAuthor, msg.SenderID, msg.Content.Text)
	input := r.composeInput(msg)
	r.SetStatus("thinking")

	turnCtx, cancel := context.WithTimeout(ctx, r.replyTimeout)
	defer cancel()

	task := conductor.AgentTask{
		Input: input,
		Context: map[string]string{
			conductor.ContextThreadID: string(r.id),
		},
	}

	result, err := r.agent.Execute(turnCtx, task)
	if err != nil {
		r.logger.Error("channel: agent execute failed", "channel_id", r.id, "error", err)
		r.publish(conductor.ProcessEvent{Kind: conductor.EventWorkerCompleted, ChannelID: r.id, Err: err})
		r.SetStatus("")
		return
	}

	r.appendToLog(ctx, conversation.RoleAssistant, "", "", result.Output)
	r.SetStatus("")
	r.reply(ctx, msg, conductor.TextResponse(result.Output))
}

// composeInput prefixes the turn's ambient context — the current bulletin
// and the status block of in-flight worker activity — onto the raw message
// text, so the agent sees them on every turn without the adapter or caller
// having to thread them through.
func (r *Runtime) composeInput(msg conductor.InboundMessage) string {
	var b strings.Builder
	if r.bulletin != nil {
		if cur := r.bulletin(); cur != "" {
			b.WriteString("[bulletin]\n")
			b.WriteString(cur)
			b.WriteString("\n\n")
		}
	}
	if st := r.Status(); st != "" {
		b.WriteString("[active work] ")
		b.WriteString(st)
		b.WriteString("\n\n")
	}
	b.WriteString(msg.Content.Text)
	return b.String()
}

// appendToLog persists one conversation-log entry fire-and-forget: the
// caller regains control immediately, and a write failure is logged, never
// surfaced as a reply failure.
func (r *Runtime) appendToLog(ctx context.Context, role conversation.Role, senderName, senderID, content string) {
	if r.conv == nil || content == "" {
		return
	}
	go func() {
		m := conversation.Message{
			ID:         conductor.NewID(),
			ChannelID:  r.id,
			Role:       role,
			SenderName: senderName,
			SenderID:   senderID,
			Content:    content,
			CreatedAt:  conductor.NowUnix(),
		}
		if err := r.conv.Append(context.Background(), m); err != nil {
			r.logger.Error("channel: conversation log append failed", "channel_id", r.id, "error", err)
		}
	}()
}

// reply delivers resp back through the adapter that produced msg, or into
// the response sink when one is installed.
func (r *Runtime) reply(ctx context.Context, msg conductor.InboundMessage, resp conductor.OutboundResponse) {
	if r.sink != nil {
		r.sink(resp)
		return
	}
	if r.msgMgr == nil {
		return
	}
	adapter, ok := r.msgMgr.Adapter(msg.Adapter)
	if !ok {
		r.logger.Error("channel: reply adapter not found", "channel_id", r.id, "adapter", msg.Adapter)
		return
	}
	if err := adapter.Respond(ctx, msg, resp); err != nil {
		r.logger.Error("channel: reply failed", "channel_id", r.id, "adapter", msg.Adapter, "error", err)
	}
}

// RunBranch executes task on a subagent under the runtime's bounded branch
// pool, blocking until a slot is free or ctx is cancelled. Publishes
// EventBranchStarted/EventBranchFinished for observability.
func (r *Runtime) RunBranch(ctx context.Context, agent conductor.Agent, task conductor.AgentTask) (conductor.AgentResult, error) {
	select {
	case r.branchSem <- struct{}{}:
	case <-ctx.Done():
		return conductor.AgentResult{}, ctx.Err()
	}
	defer func() { <-r.branchSem }()

	handle := conductor.Spawn(ctx, agent, task)
	branchID := handle.ID()
	r.publish(conductor.ProcessEvent{Kind: conductor.EventBranchStarted, ChannelID: r.id, BranchID: branchID})

	result, err := handle.Await(ctx)
	r.publish(conductor.ProcessEvent{Kind: conductor.EventBranchFinished, ChannelID: r.id, BranchID: branchID, Err: err})
	return result, err
}

func (r *Runtime) publish(evt conductor.ProcessEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(evt)
}

