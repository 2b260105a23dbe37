package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	_ "modernc.org/sqlite"

	conductor "github.com/sra/conductor"
)

// nopLogger discards everything; used when no logger is supplied via WithLogger.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger used for store operations.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is an append-only, SQLite-backed conversation log. Writes are
// synchronous from the store's perspective; callers that want fire-and-forget
// append semantics (as the channel runtime does) wrap Append in a goroutine
// and log failures rather than propagate them.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if necessary) a SQLite database at dbPath for the
// conversation log. A single connection is used, matching the rest of the
// module's SQLite stores: modernc.org/sqlite's pure-Go driver does not
// support concurrent writers on one *sql.DB beyond what a single conn gives us.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// The driver is registered via blank import above; Open only fails
		// on a malformed DSN, which is a programmer error here.
		panic(fmt.Sprintf("conversation: open %s: %v", dbPath, err))
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the schema if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender_name TEXT,
			sender_id TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_channel_created
			ON conversation_messages(channel_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("conversation: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Append persists one message to the log. Intended to be called
// fire-and-forget by the channel runtime: a write failure here is logged by
// the caller, never surfaced as a reply failure.
func (s *Store) Append(ctx context.Context, m Message) error {
	var metaJSON sql.NullString
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("conversation: marshal metadata %s: %w", m.ID, err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, channel_id, role, sender_name, sender_id, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.ChannelID), string(m.Role), nullIfEmpty(m.SenderName), nullIfEmpty(m.SenderID), m.Content, metaJSON, m.CreatedAt)
	if err != nil {
		s.logger.Error("conversation: append failed", "id", m.ID, "channel_id", m.ChannelID, "error", err)
		return fmt.Errorf("conversation: append %s: %w", m.ID, err)
	}
	return nil
}

// Recent returns up to limit messages for channelID in chronological
// (ascending) order: the limit most-recent rows are loaded, then reordered
// oldest-first so callers can append them directly to an LLM message list.
func (s *Store) Recent(ctx context.Context, channelID conductor.ChannelId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, role, sender_name, sender_id, content, metadata, created_at
		FROM conversation_messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, string(channelID), limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: recent %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan %s: %w", channelID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: recent %s: %w", channelID, err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var role string
	var senderName, senderID, metaJSON sql.NullString
	if err := r.Scan(&m.ID, &m.ChannelID, &role, &senderName, &senderID, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.SenderName = senderName.String
	m.SenderID = senderID.String
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}
	return m, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// AgentAdapter exposes a Store as a conductor.ConversationStore for use with
// conductor.WithConversationMemory, mapping ChannelId <-> thread ID. It never
// ranks cross-thread search results (SearchMessages always degrades to
// empty) since the conversation log carries no embeddings of its own — that
// is memory/'s job.
type AgentAdapter struct {
	store *Store
}

// NewAgentAdapter wraps store for use as a conductor.ConversationStore.
func NewAgentAdapter(store *Store) *AgentAdapter {
	return &AgentAdapter{store: store}
}

func (a *AgentAdapter) StoreMessage(ctx context.Context, msg conductor.Message) error {
	return a.store.Append(ctx, Message{
		ID:        msg.ID,
		ChannelID: conductor.ChannelId(msg.ThreadID),
		Role:      Role(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}

func (a *AgentAdapter) GetMessages(ctx context.Context, threadID string, limit int) ([]conductor.Message, error) {
	msgs, err := a.store.Recent(ctx, conductor.ChannelId(threadID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]conductor.Message, len(msgs))
	for i, m := range msgs {
		out[i] = conductor.Message{
			ID:        m.ID,
			ThreadID:  string(m.ChannelID),
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}

func (a *AgentAdapter) SearchMessages(context.Context, []float32, int) ([]conductor.ScoredMessage, error) {
	return nil, nil
}
