package memory

import (
	"context"
	"testing"

	conductor "github.com/sra/conductor"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (e stubEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

func TestHybridSearchFusesKeywordAndGraphHits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed := newMemory(conductor.NewID(), "identity: the user is named Alex")
	seed.Importance = 0.9
	if err := s.Save(ctx, seed); err != nil {
		t.Fatalf("Save seed: %v", err)
	}

	related := newMemory(conductor.NewID(), "Alex prefers tea over coffee")
	if err := s.Save(ctx, related); err != nil {
		t.Fatalf("Save related: %v", err)
	}
	assoc := Association{
		ID: conductor.NewID(), SourceID: seed.ID, TargetID: related.ID,
		RelationType: RelatedTo, Weight: 0.8, CreatedAt: conductor.NowUnix(),
	}
	if err := s.CreateAssociation(ctx, assoc); err != nil {
		t.Fatalf("CreateAssociation: %v", err)
	}

	search := NewSearch(s, stubEmbedder{err: context.Canceled})
	results, err := search.HybridSearch(ctx, "Alex", DefaultSearchConfig())
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}

	var sawSeed, sawRelated bool
	for _, r := range results {
		if r.Memory.ID == seed.ID {
			sawSeed = true
		}
		if r.Memory.ID == related.ID {
			sawRelated = true
		}
	}
	if !sawSeed {
		t.Error("expected the high-importance seed memory in results")
	}
	if !sawRelated {
		t.Error("expected the graph-traversed related memory in results")
	}
}

func TestHybridSearchToleratesEmbedderFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := newMemory(conductor.NewID(), "keyword only hit about databases")
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	search := NewSearch(s, stubEmbedder{err: context.Canceled})
	results, err := search.HybridSearch(ctx, "databases", DefaultSearchConfig())
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected FTS results to survive an embedder failure")
	}
}

func TestReciprocalRankFusionSumsAcrossLists(t *testing.T) {
	shared := Memory{ID: "shared"}
	onlyA := Memory{ID: "only-a"}

	listA := []scoredMemory{{memory: shared, score: 1}, {memory: onlyA, score: 1}}
	listB := []scoredMemory{{memory: shared, score: 1}}

	fused := reciprocalRankFusion(60.0, listA, listB)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused entries, got %d", len(fused))
	}
	if fused[0].memory.ID != "shared" {
		t.Fatalf("expected %q ranked first (appears in both lists), got %q", "shared", fused[0].memory.ID)
	}
}

func TestRelationMultiplierWeighting(t *testing.T) {
	cases := []struct {
		relation RelationType
		want     float64
	}{
		{Updates, 1.5},
		{CausedBy, 1.3},
		{ResultOf, 1.3},
		{RelatedTo, 1.0},
		{PartOf, 0.8},
		{Contradicts, 0.5},
	}
	for _, tc := range cases {
		if got := relationMultiplier(tc.relation); got != tc.want {
			t.Errorf("relationMultiplier(%s) = %v, want %v", tc.relation, got, tc.want)
		}
	}
}

func TestTraversableRelations(t *testing.T) {
	if !traversable(RelatedTo) {
		t.Error("RelatedTo should be traversable")
	}
	if !traversable(PartOf) {
		t.Error("PartOf should be traversable")
	}
	if traversable(Contradicts) {
		t.Error("Contradicts should not be traversable")
	}
	if traversable(Updates) {
		t.Error("Updates should not be traversable")
	}
}

func TestHybridSearchEmptyCorpusReturnsEmpty(t *testing.T) {
	// A brand-new store: no memories, no FTS rows, no embeddings, no graph.
	// Every source pass degrades and the fused result is empty, not an error.
	s := testStore(t)
	search := NewSearch(s, stubEmbedder{vec: []float32{0.1, 0.2}})

	results, err := search.HybridSearch(context.Background(), "foo", DefaultSearchConfig())
	if err != nil {
		t.Fatalf("HybridSearch on empty corpus: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

func TestHybridSearchExcludesForgottenAndSortsDescending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	keep := newMemory(conductor.NewID(), "espresso is Alice's preferred drink")
	gone := newMemory(conductor.NewID(), "espresso machines need descaling")
	for _, m := range []Memory{keep, gone} {
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Forget(ctx, gone.ID, conductor.NowUnix()); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	search := NewSearch(s, stubEmbedder{err: context.Canceled})
	results, err := search.HybridSearch(ctx, "espresso", DefaultSearchConfig())
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}

	seen := make(map[string]bool)
	for i, r := range results {
		if r.Memory.ID == gone.ID {
			t.Error("forgotten memory surfaced in results")
		}
		if seen[r.Memory.ID] {
			t.Errorf("duplicate memory id %s in results", r.Memory.ID)
		}
		seen[r.Memory.ID] = true
		if i > 0 && results[i-1].Score < r.Score {
			t.Errorf("results not sorted by score descending at index %d", i)
		}
		if r.Rank != i+1 {
			t.Errorf("rank = %d at index %d, want %d", r.Rank, i, i+1)
		}
	}
	if !seen[keep.ID] {
		t.Error("live memory missing from results")
	}
}
