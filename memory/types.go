// Package memory is the distilled-knowledge store: long-lived facts,
// preferences, decisions and events extracted from conversations, linked
// into a graph and retrievable through a hybrid keyword/vector/graph search.
package memory

import conductor "github.com/sra/conductor"

// Type classifies a Memory's semantic role.
type Type string

const (
	TypeFact        Type = "fact"
	TypePreference  Type = "preference"
	TypeDecision    Type = "decision"
	TypeIdentity    Type = "identity"
	TypeEvent       Type = "event"
	TypeObservation Type = "observation"
	TypeGoal        Type = "goal"
)

// RelationType classifies an Association edge between two memories.
type RelationType string

const (
	RelatedTo   RelationType = "related_to"
	Updates     RelationType = "updates"
	Contradicts RelationType = "contradicts"
	CausedBy    RelationType = "caused_by"
	ResultOf    RelationType = "result_of"
	PartOf      RelationType = "part_of"
)

// Memory is a single distilled unit of knowledge.
type Memory struct {
	ID              string
	Content         string
	MemoryType      Type
	Importance      float32 // 0.0-1.0
	CreatedAt       int64
	UpdatedAt       int64
	LastAccessedAt  int64
	AccessCount     int64
	Source          string // e.g. "conversation", "ingest"
	ChannelID       conductor.ChannelId
	Forgotten       bool
}

// Association is a weighted, typed edge between two memories.
type Association struct {
	ID           string
	SourceID     string
	TargetID     string
	RelationType RelationType
	Weight       float32 // 0.0-1.0
	CreatedAt    int64
}

// SearchResult wraps a Memory with its fused rank and score.
type SearchResult struct {
	Memory Memory
	Score  float64
	Rank   int // 1-based
}

// relationMultiplier weights a graph-traversal hop by how strongly its
// relation type should propagate importance to the memory it points at.
func relationMultiplier(r RelationType) float64 {
	switch r {
	case Updates:
		return 1.5
	case CausedBy, ResultOf:
		return 1.3
	case RelatedTo:
		return 1.0
	case PartOf:
		return 0.8
	case Contradicts:
		return 0.5
	default:
		return 1.0
	}
}

// traversable reports whether a relation type continues graph traversal
// past the memory it points at (as opposed to only scoring it).
func traversable(r RelationType) bool {
	return r == RelatedTo || r == PartOf
}
