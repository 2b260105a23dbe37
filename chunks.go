package conductor

import "context"

// Chunk is a slice of a Document's content, the unit of embedding and
// retrieval. Chunks may nest: a ParentID points at a coarser chunk whose
// fuller content is substituted back in at retrieval time.
type Chunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Content    string     `json:"content"`
	ChunkIndex int        `json:"chunk_index"`
	Embedding  []float32  `json:"-"`
	Metadata   *ChunkMeta `json:"metadata,omitempty"`
}

// ChunkMeta carries provenance extracted alongside a chunk's text, when the
// source format has it (PDF page numbers, DOCX headings and inline images).
type ChunkMeta struct {
	SourceURL      string  `json:"source_url,omitempty"`
	PageNumber     int     `json:"page_number,omitempty"`
	SectionHeading string  `json:"section_heading,omitempty"`
	Images         []Image `json:"images,omitempty"`
}

// Image is inline binary image data captured during ingestion.
type Image struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ScoredChunk is a Chunk paired with its similarity score from a search.
type ScoredChunk struct {
	Chunk
	Score float32
}

// RelationType classifies a ChunkEdge in the document knowledge graph.
type RelationType string

const (
	RelReferences  RelationType = "references"
	RelElaborates  RelationType = "elaborates"
	RelDependsOn   RelationType = "depends_on"
	RelContradicts RelationType = "contradicts"
	RelPartOf      RelationType = "part_of"
	RelSimilarTo   RelationType = "similar_to"
	RelSequence    RelationType = "sequence"
	RelCausedBy    RelationType = "caused_by"
)

// ChunkEdge is a weighted, directed, typed edge between two chunks,
// populated by graph extraction during ingestion.
type ChunkEdge struct {
	ID          string
	SourceID    string
	TargetID    string
	Relation    RelationType
	Weight      float32
	Description string
}

// FilterOp is a comparison operator for a ChunkFilter.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNeq
	OpIn
	OpGt
	OpLt
)

// ChunkFilter restricts SearchChunks/SearchChunksKeyword to chunks whose
// Field compares against Value using Op. Supported fields are
// store-specific; "document_id" and "source" are universally supported.
type ChunkFilter struct {
	Field string
	Op    FilterOp
	Value any
}

// ByExcludeDocument builds a filter excluding chunks belonging to docID,
// used to keep cross-document graph extraction from pairing a chunk with
// its own siblings.
func ByExcludeDocument(docID string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpNeq, Value: docID}
}

// ByDocumentIDs builds a filter restricting results to the given documents.
func ByDocumentIDs(ids []string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpIn, Value: ids}
}

// KeywordSearcher is an optional Store capability for full-text keyword
// search. Stores that maintain an FTS index implement this; callers
// discover it via type assertion.
type KeywordSearcher interface {
	SearchChunksKeyword(ctx context.Context, query string, topK int, filters ...ChunkFilter) ([]ScoredChunk, error)
}

// GraphStore is an optional Store capability for the chunk relationship
// graph. Stores that maintain one implement this; callers discover it via
// type assertion.
type GraphStore interface {
	StoreEdges(ctx context.Context, edges []ChunkEdge) error
	GetEdges(ctx context.Context, chunkIDs []string) ([]ChunkEdge, error)
	GetIncomingEdges(ctx context.Context, chunkIDs []string) ([]ChunkEdge, error)
	PruneOrphanEdges(ctx context.Context) (int, error)
}
