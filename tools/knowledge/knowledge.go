// Package knowledge implements the knowledge_search tool: it queries the
// ingested document store and the distilled memory graph together and
// renders both into one answer.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/memory"
)

// KnowledgeTool searches ingested documents and recalled memories.
type KnowledgeTool struct {
	store     conductor.Store
	search    *memory.Search
	embedding conductor.EmbeddingProvider
	topK      int
}

// Option configures a KnowledgeTool.
type Option func(*KnowledgeTool)

// WithTopK sets the number of results to retrieve from each source. Default is 5.
func WithTopK(n int) Option {
	return func(k *KnowledgeTool) { k.topK = n }
}

// New creates a KnowledgeTool. search may be nil, in which case the tool
// only searches the document store.
func New(store conductor.Store, search *memory.Search, emb conductor.EmbeddingProvider, opts ...Option) *KnowledgeTool {
	k := &KnowledgeTool{store: store, search: search, embedding: emb, topK: 5}
	for _, o := range opts {
		o(k)
	}
	return k
}

func (k *KnowledgeTool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "knowledge_search",
		Description: "Search the user's personal knowledge base for previously saved information, documents, and recalled memories.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (k *KnowledgeTool) Execute(ctx context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	var chunks []conductor.ScoredChunk
	embs, err := k.embedding.Embed(ctx, []string{params.Query})
	if err != nil {
		return conductor.ToolResult{Error: "embedding error: " + err.Error()}, nil
	}
	if len(embs) > 0 {
		chunks, err = k.store.SearchChunks(ctx, embs[0], k.topK)
		if err != nil {
			return conductor.ToolResult{Error: "chunk search error: " + err.Error()}, nil
		}
	}

	var memories []memory.SearchResult
	if k.search != nil {
		memories, err = k.search.HybridSearch(ctx, params.Query, memory.DefaultSearchConfig())
		if err != nil {
			return conductor.ToolResult{Error: "memory search error: " + err.Error()}, nil
		}
	}

	var out strings.Builder
	if len(chunks) > 0 {
		out.WriteString("From knowledge base:\n")
		for i, c := range chunks {
			fmt.Fprintf(&out, "%d. %s\n", i+1, c.Content)
		}
		out.WriteString("\n")
	}
	if len(memories) > 0 {
		out.WriteString("From recalled memories:\n")
		for i, m := range memories {
			if i >= k.topK {
				break
			}
			fmt.Fprintf(&out, "- %s\n", m.Memory.Content)
		}
	}
	if out.Len() == 0 {
		fmt.Fprintf(&out, "No relevant information found for %q.", params.Query)
	}

	return conductor.ToolResult{Content: out.String()}, nil
}
