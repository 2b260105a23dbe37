package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	conductor "github.com/sra/conductor"
)

// Embedder produces a vector embedding for a piece of text. Implemented by
// whichever LLM provider package the runtime is configured with.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// ProviderEmbedder adapts a batch conductor.EmbeddingProvider to the
// single-text Embedder this package works in.
type ProviderEmbedder struct {
	Provider conductor.EmbeddingProvider
}

func (e ProviderEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("memory: embedding provider returned no vectors")
	}
	return vecs[0], nil
}

// SearchConfig tunes hybrid_search's three source passes and the fusion step.
type SearchConfig struct {
	// MaxResultsPerSource caps how many hits each of the vector, FTS, and
	// graph passes contributes before fusion, and also caps the final
	// fused result count.
	MaxResultsPerSource int
	// RRFK is the Reciprocal Rank Fusion k parameter (typically 60).
	RRFK float64
	// MinScore discards fused results below this score.
	MinScore float64
	// MaxGraphDepth bounds how many hops graph traversal follows from a seed.
	MaxGraphDepth int
}

// DefaultSearchConfig mirrors typical hybrid-search defaults: RRF scores are
// 1/(k+rank), so with k=60 the max single-source score is about 0.016 —
// MinScore stays at 0 so a lone source's hits are never discarded outright.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxResultsPerSource: 50,
		RRFK:                60.0,
		MinScore:            0.0,
		MaxGraphDepth:       2,
	}
}

// Search bundles the store and embedder needed to run hybrid_search.
type Search struct {
	store    *Store
	embedder Embedder
}

// NewSearch builds a Search over store, embedding queries with embedder.
func NewSearch(store *Store, embedder Embedder) *Search {
	return &Search{store: store, embedder: embedder}
}

type scoredMemory struct {
	memory Memory
	score  float64
}

// HybridSearch runs keyword, vector, and graph-traversal passes over query
// and fuses them with Reciprocal Rank Fusion. Each pass degrades
// independently: if FTS or the embedder errors, that pass is skipped rather
// than failing the whole search.
func (s *Search) HybridSearch(ctx context.Context, query string, cfg SearchConfig) ([]SearchResult, error) {
	var vectorResults, ftsResults, graphResults []scoredMemory

	if ids, scores, err := s.store.TextSearch(ctx, query, cfg.MaxResultsPerSource); err == nil {
		for i, id := range ids {
			m, err := s.store.Load(ctx, id)
			if err != nil || m.Forgotten {
				continue
			}
			ftsResults = append(ftsResults, scoredMemory{memory: m, score: scores[i]})
		}
	}

	if s.embedder != nil {
		if queryEmbedding, err := s.embedder.EmbedOne(ctx, query); err == nil {
			if ids, scores, err := s.store.VectorSearch(ctx, queryEmbedding, cfg.MaxResultsPerSource); err == nil {
				for i, id := range ids {
					m, err := s.store.Load(ctx, id)
					if err != nil || m.Forgotten {
						continue
					}
					vectorResults = append(vectorResults, scoredMemory{memory: m, score: scores[i]})
				}
			}
		}
	}

	seeds, err := s.store.GetHighImportance(ctx, 0.8, 20)
	if err != nil {
		return nil, fmt.Errorf("memory: seed graph traversal: %w", err)
	}
	queryTerms := strings.Fields(strings.ToLower(query))
	for _, seed := range seeds {
		if !containsAnyTerm(strings.ToLower(seed.Content), queryTerms) {
			continue
		}
		graphResults = append(graphResults, scoredMemory{memory: seed, score: float64(seed.Importance)})
		hits, err := s.traverseGraph(ctx, seed.ID, cfg.MaxGraphDepth)
		if err != nil {
			return nil, err
		}
		graphResults = append(graphResults, hits...)
	}

	fused := reciprocalRankFusion(cfg.RRFK, vectorResults, ftsResults, graphResults)

	results := make([]SearchResult, 0, len(fused))
	for i, sm := range fused {
		if sm.score < cfg.MinScore {
			continue
		}
		results = append(results, SearchResult{Memory: sm.memory, Score: sm.score, Rank: i + 1})
		if len(results) >= cfg.MaxResultsPerSource {
			break
		}
	}
	return results, nil
}

// traverseGraph does a breadth-first walk from startID, scoring each
// discovered memory by importance * edge weight * a relation-type
// multiplier. Only related_to and part_of edges continue the walk past the
// memory they point at; the others contribute a score without expanding
// further, so contradictions and causal links surface without pulling in
// their entire neighborhood.
func (s *Search) traverseGraph(ctx context.Context, startID string, maxDepth int) ([]scoredMemory, error) {
	type queued struct {
		id    string
		depth int
	}
	queue := []queued{{id: startID, depth: 0}}
	visited := map[string]bool{startID: true}

	var out []scoredMemory
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		assocs, err := s.store.GetAssociations(ctx, cur.id)
		if err != nil {
			return nil, fmt.Errorf("memory: traverse from %s: %w", cur.id, err)
		}
		for _, assoc := range assocs {
			relatedID := assoc.TargetID
			if assoc.SourceID != cur.id {
				relatedID = assoc.SourceID
			}
			if visited[relatedID] {
				continue
			}
			visited[relatedID] = true

			m, err := s.store.Load(ctx, relatedID)
			if err != nil {
				continue
			}
			if m.Forgotten {
				continue
			}

			score := float64(m.Importance) * float64(assoc.Weight) * relationMultiplier(assoc.RelationType)
			out = append(out, scoredMemory{memory: m, score: score})

			if traversable(assoc.RelationType) {
				queue = append(queue, queued{id: relatedID, depth: cur.depth + 1})
			}
		}
	}
	return out, nil
}

func containsAnyTerm(content string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(content, term) {
			return true
		}
	}
	return false
}

// reciprocalRankFusion merges ranked result lists from independent sources:
// score += 1/(k+rank) per list an item appears in, summed across lists.
func reciprocalRankFusion(k float64, lists ...[]scoredMemory) []scoredMemory {
	type entry struct {
		score  float64
		memory Memory
	}
	fused := make(map[string]*entry)
	for _, list := range lists {
		for rank, sm := range list {
			rrf := 1.0 / (k + float64(rank+1))
			e, ok := fused[sm.memory.ID]
			if !ok {
				e = &entry{memory: sm.memory}
				fused[sm.memory.ID] = e
			}
			e.score += rrf
		}
	}
	out := make([]scoredMemory, 0, len(fused))
	for _, e := range fused {
		out = append(out, scoredMemory{memory: e.memory, score: e.score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
