package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	conductor "github.com/sra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When unset, the store
// emits no logs.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists memories, their associations, and embeddings in a local
// SQLite file. Vector search runs in-process via brute-force cosine
// similarity over the embedding column; keyword search uses an FTS5 index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens (creating if absent) a SQLite-backed memory store at dbPath.
// A single connection serializes all access, eliminating SQLITE_BUSY errors
// from concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is unregistered; the blank
		// import above guarantees it is.
		panic(fmt.Sprintf("memory: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("memory: store opened", "path", dbPath)
	return s
}

// Init creates the memories, associations, and embeddings tables and their
// supporting indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			source TEXT,
			channel_id TEXT,
			forgotten INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS associations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			weight REAL NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(source_id, target_id, relation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			memory_id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_source ON associations(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_target ON associations(target_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content)`,
	}
	for _, ddl := range ddls {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("memory: create schema: %w", err)
		}
	}
	s.logger.Info("memory: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts a new memory.
func (s *Store) Save(ctx context.Context, m Memory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, memory_type, importance, created_at, updated_at,
			last_accessed_at, access_count, source, channel_id, forgotten)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, string(m.MemoryType), m.Importance, m.CreatedAt, m.UpdatedAt,
		m.LastAccessedAt, m.AccessCount, nullIfEmpty(m.Source), nullIfEmpty(string(m.ChannelID)), boolToInt(m.Forgotten),
	)
	if err != nil {
		return fmt.Errorf("memory: save %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO memories_fts (memory_id, content) VALUES (?, ?)`, m.ID, m.Content)
	if err != nil {
		return fmt.Errorf("memory: index %s: %w", m.ID, err)
	}
	return nil
}

// Load fetches a memory by ID. It returns conductor.ErrNotFound if absent.
func (s *Store) Load(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, memory_type, importance, created_at, updated_at,
			last_accessed_at, access_count, source, channel_id, forgotten
		 FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return Memory{}, conductor.ErrNotFound
	}
	if err != nil {
		return Memory{}, fmt.Errorf("memory: load %s: %w", id, err)
	}
	return m, nil
}

// Update overwrites an existing memory's mutable fields.
func (s *Store) Update(ctx context.Context, m Memory) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, memory_type = ?, importance = ?, updated_at = ?,
			last_accessed_at = ?, access_count = ?, source = ?, channel_id = ?, forgotten = ?
		 WHERE id = ?`,
		m.Content, string(m.MemoryType), m.Importance, m.UpdatedAt, m.LastAccessedAt,
		m.AccessCount, nullIfEmpty(m.Source), nullIfEmpty(string(m.ChannelID)), boolToInt(m.Forgotten), m.ID,
	)
	if err != nil {
		return fmt.Errorf("memory: update %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE memories_fts SET content = ? WHERE memory_id = ?`, m.Content, m.ID)
	if err != nil {
		return fmt.Errorf("memory: reindex %s: %w", m.ID, err)
	}
	return nil
}

// Delete permanently removes a memory and its FTS entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory: delete %s: %w", id, err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, id)
	return nil
}

// RecordAccess bumps access_count and last_accessed_at for a recall hit.
func (s *Store) RecordAccess(ctx context.Context, id string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		now, id)
	if err != nil {
		return fmt.Errorf("memory: record access %s: %w", id, err)
	}
	return nil
}

// Forget marks a memory forgotten, excluding it from search and recall
// while leaving the row in place. It returns conductor.ErrAlreadyForgotten
// if the memory was already forgotten (or does not exist).
func (s *Store) Forget(ctx context.Context, id string, now int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET forgotten = 1, updated_at = ? WHERE id = ? AND forgotten = 0`, now, id)
	if err != nil {
		return fmt.Errorf("memory: forget %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory: forget %s: %w", id, err)
	}
	if n == 0 {
		return conductor.ErrAlreadyForgotten
	}
	return nil
}

// CreateAssociation inserts or reweights an edge between two memories.
func (s *Store) CreateAssociation(ctx context.Context, a Association) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO associations (id, source_id, target_id, relation_type, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, relation_type) DO UPDATE SET weight = excluded.weight`,
		a.ID, a.SourceID, a.TargetID, string(a.RelationType), a.Weight, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory: associate %s->%s: %w", a.SourceID, a.TargetID, err)
	}
	return nil
}

// GetAssociations returns every edge touching memoryID, incoming or outgoing.
func (s *Store) GetAssociations(ctx context.Context, memoryID string) ([]Association, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, target_id, relation_type, weight, created_at
		 FROM associations WHERE source_id = ? OR target_id = ?`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("memory: associations for %s: %w", memoryID, err)
	}
	defer rows.Close()

	var out []Association
	for rows.Next() {
		var a Association
		var relType string
		if err := rows.Scan(&a.ID, &a.SourceID, &a.TargetID, &relType, &a.Weight, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan association: %w", err)
		}
		a.RelationType = RelationType(relType)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetByType returns the highest-importance, most recently updated memories
// of a given type, excluding forgotten ones.
func (s *Store) GetByType(ctx context.Context, t Type, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, memory_type, importance, created_at, updated_at,
			last_accessed_at, access_count, source, channel_id, forgotten
		 FROM memories WHERE memory_type = ? AND forgotten = 0
		 ORDER BY importance DESC, updated_at DESC LIMIT ?`, string(t), limit)
	if err != nil {
		return nil, fmt.Errorf("memory: get by type %s: %w", t, err)
	}
	return scanMemories(rows)
}

// GetHighImportance returns memories at or above threshold importance,
// for context injection or as graph-traversal seeds.
func (s *Store) GetHighImportance(ctx context.Context, threshold float32, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, memory_type, importance, created_at, updated_at,
			last_accessed_at, access_count, source, channel_id, forgotten
		 FROM memories WHERE importance >= ? AND forgotten = 0
		 ORDER BY importance DESC, updated_at DESC LIMIT ?`, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: get high importance: %w", err)
	}
	return scanMemories(rows)
}

// TextSearch runs an FTS5 MATCH query and returns memory IDs ranked best
// first, alongside a relevance score derived from the FTS rank.
func (s *Store) TextSearch(ctx context.Context, query string, limit int) ([]string, []float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, rank FROM memories_fts WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: text search: %w", err)
	}
	defer rows.Close()

	var ids []string
	var scores []float64
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, nil, fmt.Errorf("memory: scan fts row: %w", err)
		}
		ids = append(ids, id)
		// bm25 rank from FTS5 is negative and smaller-is-better; invert to a
		// positive similarity-like score so it composes with vector search.
		scores = append(scores, -rank)
	}
	return ids, scores, rows.Err()
}

// SaveEmbedding upserts the embedding vector for a memory.
func (s *Store) SaveEmbedding(ctx context.Context, memoryID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_embeddings (memory_id, embedding) VALUES (?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding`,
		memoryID, serializeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("memory: save embedding %s: %w", memoryID, err)
	}
	return nil
}

// VectorSearch scores every embedded memory against query by cosine
// similarity and returns the top `limit` IDs, best first.
func (s *Store) VectorSearch(ctx context.Context, query []float32, limit int) ([]string, []float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, embedding FROM memory_embeddings`)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: vector search: %w", err)
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return nil, nil, fmt.Errorf("memory: scan embedding row: %w", err)
		}
		vec, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		hits = append(hits, vectorHit{id: id, score: float64(cosineSimilarity(query, vec))})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		scores[i] = h.score
	}
	return ids, scores, nil
}

type vectorHit struct {
	id    string
	score float64
}

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var m Memory
	var memType string
	var source, channelID sql.NullString
	var forgotten int
	err := row.Scan(&m.ID, &m.Content, &memType, &m.Importance, &m.CreatedAt, &m.UpdatedAt,
		&m.LastAccessedAt, &m.AccessCount, &source, &channelID, &forgotten)
	if err != nil {
		return Memory{}, err
	}
	m.MemoryType = Type(memType)
	m.Source = source.String
	m.ChannelID = conductor.ChannelId(channelID.String)
	m.Forgotten = forgotten != 0
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scan row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
