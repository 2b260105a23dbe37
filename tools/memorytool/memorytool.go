// Package memorytool implements the memory_* tools: save, search, forget,
// and associate distilled memories. These are how LLM agents create and
// curate the memory graph; nothing else writes memories.
package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/memory"
)

// Tool exposes the memory store and hybrid search to agents.
type Tool struct {
	store    *memory.Store
	search   *memory.Search
	embedder memory.Embedder

	// source/channel provenance stamped onto saved memories.
	source    string
	channelID conductor.ChannelId

	bus *conductor.Bus
}

// Option configures a Tool.
type Option func(*Tool)

// WithProvenance stamps saved memories with where they came from.
func WithProvenance(source string, channelID conductor.ChannelId) Option {
	return func(t *Tool) {
		t.source = source
		t.channelID = channelID
	}
}

// WithBus publishes an EventMemorySaved for every successful save, the
// observation pathway future memory-maintenance work subscribes to.
func WithBus(bus *conductor.Bus) Option {
	return func(t *Tool) { t.bus = bus }
}

// New creates the memory tool set. embedder may be nil, in which case saved
// memories are findable by keyword and graph search but not vector search.
func New(store *memory.Store, search *memory.Search, embedder memory.Embedder, opts ...Option) *Tool {
	t := &Tool{store: store, search: search, embedder: embedder, source: "conversation"}
	for _, o := range opts {
		o(t)
	}
	return t
}

var validTypes = map[string]memory.Type{
	"fact":        memory.TypeFact,
	"preference":  memory.TypePreference,
	"decision":    memory.TypeDecision,
	"identity":    memory.TypeIdentity,
	"event":       memory.TypeEvent,
	"observation": memory.TypeObservation,
	"goal":        memory.TypeGoal,
}

var validRelations = map[string]memory.RelationType{
	"related_to":  memory.RelatedTo,
	"updates":     memory.Updates,
	"contradicts": memory.Contradicts,
	"caused_by":   memory.CausedBy,
	"result_of":   memory.ResultOf,
	"part_of":     memory.PartOf,
}

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{
		{
			Name:        "memory_save",
			Description: "Store a durable memory: a fact, preference, decision, identity detail, event, observation, or goal worth recalling in later conversations.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"content":{"type":"string","description":"The memory, phrased as a standalone statement"},
				"type":{"type":"string","enum":["fact","preference","decision","identity","event","observation","goal"]},
				"importance":{"type":"number","description":"0.0-1.0; how much this should influence future recall"}
			},"required":["content","type"]}`),
		},
		{
			Name:        "memory_search",
			Description: "Recall stored memories relevant to a query, ranked by combined keyword, semantic, and graph relevance.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string","description":"What to recall"},
				"limit":{"type":"integer","description":"Maximum results (default 10)"}
			},"required":["query"]}`),
		},
		{
			Name:        "memory_forget",
			Description: "Mark a memory forgotten by id so it never surfaces again. The record is kept as a tombstone, not deleted.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"The memory id, as returned by memory_save or memory_search"}
			},"required":["id"]}`),
		},
		{
			Name:        "memory_associate",
			Description: "Link two memories with a typed, weighted edge (related_to, updates, contradicts, caused_by, result_of, part_of).",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"source_id":{"type":"string"},
				"target_id":{"type":"string"},
				"relation":{"type":"string","enum":["related_to","updates","contradicts","caused_by","result_of","part_of"]},
				"weight":{"type":"number","description":"0.0-1.0 edge strength (default 0.5)"}
			},"required":["source_id","target_id","relation"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "memory_save":
		result, err = t.handleSave(ctx, args)
	case "memory_search":
		result, err = t.handleSearch(ctx, args)
	case "memory_forget":
		result, err = t.handleForget(ctx, args)
	case "memory_associate":
		result, err = t.handleAssociate(ctx, args)
	default:
		return conductor.ToolResult{Error: "unknown tool: " + name}, nil
	}

	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}
	return conductor.ToolResult{Content: result}, nil
}

func (t *Tool) handleSave(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Content    string  `json:"content"`
		Type       string  `json:"type"`
		Importance float32 `json:"importance"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.Content == "" {
		return "", errors.New("content is required")
	}
	memType, ok := validTypes[params.Type]
	if !ok {
		// Unknown types degrade to fact rather than failing the save.
		memType = memory.TypeFact
	}
	importance := params.Importance
	if importance <= 0 || importance > 1 {
		importance = 0.5
	}

	now := conductor.NowUnix()
	m := memory.Memory{
		ID:         conductor.NewID(),
		Content:    params.Content,
		MemoryType: memType,
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
		Source:     t.source,
		ChannelID:  t.channelID,
	}
	if err := t.store.Save(ctx, m); err != nil {
		return "", err
	}

	if t.embedder != nil {
		if vec, err := t.embedder.EmbedOne(ctx, params.Content); err == nil {
			if err := t.store.SaveEmbedding(ctx, m.ID, vec); err != nil {
				return "", err
			}
		}
		// An embedding failure leaves the memory keyword-searchable only.
	}

	if t.bus != nil {
		t.bus.Publish(conductor.ProcessEvent{Kind: conductor.EventMemorySaved, ChannelID: t.channelID, MemoryID: m.ID})
	}
	return fmt.Sprintf("Saved %s memory %s.", memType, m.ID), nil
}

func (t *Tool) handleSearch(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}

	results, err := t.search.HybridSearch(ctx, params.Query, memory.DefaultSearchConfig())
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No relevant memories.", nil
	}

	var b strings.Builder
	for i, r := range results {
		if i >= params.Limit {
			break
		}
		fmt.Fprintf(&b, "- [%s] (%s) %s\n", r.Memory.MemoryType, r.Memory.ID, r.Memory.Content)
		_ = t.store.RecordAccess(ctx, r.Memory.ID, conductor.NowUnix())
	}
	return b.String(), nil
}

func (t *Tool) handleForget(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if err := t.store.Forget(ctx, params.ID, conductor.NowUnix()); err != nil {
		if errors.Is(err, conductor.ErrAlreadyForgotten) {
			return fmt.Sprintf("Memory %s was already forgotten.", params.ID), nil
		}
		return "", err
	}
	return fmt.Sprintf("Forgot memory %s.", params.ID), nil
}

func (t *Tool) handleAssociate(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SourceID string  `json:"source_id"`
		TargetID string  `json:"target_id"`
		Relation string  `json:"relation"`
		Weight   float32 `json:"weight"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	relation, ok := validRelations[params.Relation]
	if !ok {
		return "", fmt.Errorf("unknown relation %q", params.Relation)
	}
	weight := params.Weight
	if weight <= 0 || weight > 1 {
		weight = 0.5
	}

	a := memory.Association{
		ID:           conductor.NewID(),
		SourceID:     params.SourceID,
		TargetID:     params.TargetID,
		RelationType: relation,
		Weight:       weight,
		CreatedAt:    conductor.NowUnix(),
	}
	if err := t.store.CreateAssociation(ctx, a); err != nil {
		return "", err
	}
	return fmt.Sprintf("Linked %s -[%s]-> %s.", params.SourceID, params.Relation, params.TargetID), nil
}
