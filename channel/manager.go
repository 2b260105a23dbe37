package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/conversation"
	"github.com/sra/conductor/messaging"
)

// AgentFactory builds the agent that answers messages on a channel. Called
// each time the Manager creates a runtime for a ChannelId: when a message
// arrives and no runtime is live for it, and once per RunEphemeral call.
type AgentFactory func(id conductor.ChannelId) conductor.Agent

// Manager owns the set of live channel runtimes, enforcing that at most one
// runtime exists per ChannelId at a time.
type Manager struct {
	mu       sync.Mutex
	runtimes map[conductor.ChannelId]*Runtime

	newAgent AgentFactory
	conv     *conversation.Store
	msgMgr   *messaging.Manager
	bus      *conductor.Bus
	opts     []Option
}

// NewManager creates a channel-runtime manager. newAgent constructs the
// agent for a channel the first time it's needed.
func NewManager(newAgent AgentFactory, conv *conversation.Store, msgMgr *messaging.Manager, bus *conductor.Bus, opts ...Option) *Manager {
	return &Manager{
		runtimes: make(map[conductor.ChannelId]*Runtime),
		newAgent: newAgent,
		conv:     conv,
		msgMgr:   msgMgr,
		bus:      bus,
		opts:     opts,
	}
}

// Dispatch routes msg to its channel's runtime, creating and starting one
// if it doesn't exist yet. Returns an error only if the message could not be
// queued (the runtime's mailbox is full or already sealed).
func (m *Manager) Dispatch(ctx context.Context, msg conductor.InboundMessage) error {
	rt := m.getOrCreate(ctx, msg.ConversationID)
	if !rt.Post(msg) {
		return fmt.Errorf("channel: mailbox full for %q", msg.ConversationID)
	}
	return nil
}

func (m *Manager) getOrCreate(ctx context.Context, id conductor.ChannelId) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.runtimes[id]; ok {
		return rt
	}
	agent := m.newAgent(id)
	rt := New(id, agent, m.conv, m.msgMgr, m.bus, m.opts...)
	m.runtimes[id] = rt
	rt.Start(ctx)
	return rt
}

// RunEphemeral spins up a short-lived runtime for msg.ConversationID, posts
// msg as its only work, and collects the textual responses the turn
// produces. The mailbox is sealed immediately after posting, so the runtime
// drains and exits on its own; timeout bounds the whole execution and
// aborts the runtime on expiry. Whatever text was collected before the
// abort is still returned alongside the timeout error.
//
// The ephemeral runtime occupies the ChannelId's slot for its lifetime:
// a second execution for the same id (or a plain Dispatch racing it) is
// rejected rather than doubling up.
func (m *Manager) RunEphemeral(ctx context.Context, msg conductor.InboundMessage, timeout time.Duration) (string, error) {
	id := msg.ConversationID

	var textMu sync.Mutex
	var texts []string
	sink := func(resp conductor.OutboundResponse) {
		switch resp.Kind {
		case conductor.KindText, conductor.KindRichMessage:
			if resp.Text != "" {
				textMu.Lock()
				texts = append(texts, resp.Text)
				textMu.Unlock()
			}
		}
	}

	m.mu.Lock()
	if _, exists := m.runtimes[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("channel: %q already has a live runtime", id)
	}
	agent := m.newAgent(id)
	opts := append(append([]Option(nil), m.opts...), WithResponseSink(sink))
	rt := New(id, agent, m.conv, m.msgMgr, m.bus, opts...)
	m.runtimes[id] = rt
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.runtimes, id)
		m.mu.Unlock()
	}()

	rt.Start(ctx)
	rt.Post(msg)
	rt.Close()

	var err error
	select {
	case <-rt.Done():
	case <-time.After(timeout):
		rt.Stop()
		err = context.DeadlineExceeded
	case <-ctx.Done():
		rt.Stop()
		err = ctx.Err()
	}

	textMu.Lock()
	defer textMu.Unlock()
	return strings.Join(texts, "\n\n"), err
}

// Get returns the runtime currently serving id, if one exists.
func (m *Manager) Get(id conductor.ChannelId) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[id]
	return rt, ok
}

// Stop stops and removes the runtime for id, if any is running.
func (m *Manager) Stop(id conductor.ChannelId) {
	m.mu.Lock()
	rt, ok := m.runtimes[id]
	if ok {
		delete(m.runtimes, id)
	}
	m.mu.Unlock()
	if ok {
		rt.Stop()
	}
}

// StopAll stops every running channel runtime. Intended for process teardown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.runtimes = make(map[conductor.ChannelId]*Runtime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.Stop()
	}
}
