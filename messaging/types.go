// Package messaging defines the uniform adapter contract that connects
// external chat platforms to channel runtimes, plus the registry that keeps
// running adapter instances alive.
package messaging

import (
	"context"
	"errors"

	conductor "github.com/sra/conductor"
)

// ErrNotSupported is returned by Adapter.FetchHistory when a platform has no
// history API. Callers must treat it as a graceful no-op, not a failure.
var ErrNotSupported = errors.New("messaging: not supported by this adapter")

// HistoryMessage is one entry returned by Adapter.FetchHistory.
type HistoryMessage struct {
	SenderName string
	Content    string
	Timestamp  int64
}

// Adapter is the contract every platform-specific frontend implements. A
// running adapter is identified by its Name(), the runtime_key under which
// the manager registers it.
type Adapter interface {
	// Name returns the adapter's runtime key: "{platform}" for the default
	// instance of a platform, or "{platform}:{name}" for a named one.
	Name() string
	// Platform returns the platform identifier ("telegram", "discord", ...),
	// independent of any instance name.
	Platform() string

	// Start begins ingesting inbound messages and returns a channel of them.
	// It resolves only once connectivity is established; the channel is
	// closed when the adapter shuts down.
	Start(ctx context.Context) (<-chan conductor.InboundMessage, error)

	// Respond delivers resp as a reply to original, using reply threading or
	// a direct message as the platform allows.
	Respond(ctx context.Context, original conductor.InboundMessage, resp conductor.OutboundResponse) error

	// Broadcast delivers resp to an explicit platform target (derived from a
	// ChannelId or passed verbatim), independent of any particular inbound message.
	Broadcast(ctx context.Context, target string, resp conductor.OutboundResponse) error

	// FetchHistory returns up to limit prior messages for the conversation
	// original belongs to. Returns ErrNotSupported if the platform offers no
	// history API.
	FetchHistory(ctx context.Context, original conductor.InboundMessage, limit int) ([]HistoryMessage, error)

	// HealthCheck performs a cheap liveness probe.
	HealthCheck(ctx context.Context) error

	// Shutdown stops ingestion, cancels background tasks, and drops
	// connections. Idempotent.
	Shutdown(ctx context.Context) error
}
