package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// nopLogger discards everything; the zero value for every agent-framework
// logger field so callers never need a nil check.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// defaultSemanticRecallMinScore is the minimum cosine similarity required for
// a cross-thread message to be injected into LLM context during semantic recall.
// Applied when semanticMinScore is not set via WithSemanticRecallMinScore.
const defaultSemanticRecallMinScore float32 = 0.60

// defaultHistoryLimit bounds how many past messages are loaded per thread.
const defaultHistoryLimit = 20

// Message is one turn of conversation history tracked by an agent's
// conversational memory feature (WithConversationMemory). Distinct from the
// channel runtime's own persisted conversation log: an application is free
// to adapt that log into a ConversationStore, or wire something simpler.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	Embedding []float32
	CreatedAt int64
}

// ConversationStore persists and retrieves per-thread message history for
// an agent's conversational memory feature.
type ConversationStore interface {
	StoreMessage(ctx context.Context, msg Message) error
	GetMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	// SearchMessages returns messages across all threads ranked by similarity
	// to embedding. Used for cross-thread recall; may return a zero Score if
	// the implementation doesn't rank (recall still dedupes by thread below).
	SearchMessages(ctx context.Context, embedding []float32, limit int) ([]ScoredMessage, error)
}

// ScoredMessage pairs a Message with its similarity score from SearchMessages.
type ScoredMessage struct {
	Message
	Score float32
}

// Fact is a piece of distilled user knowledge returned by a MemoryStore search.
type Fact struct {
	ID       string
	Fact     string
	Category string
	Score    float32
}

// MemoryStore provides long-term user memory with semantic deduplication.
// Optional — pass to WithUserMemory() to enable.
type MemoryStore interface {
	UpsertFact(ctx context.Context, fact, category string, embedding []float32) error
	// SearchFacts returns facts semantically similar to embedding, sorted by
	// Score descending.
	SearchFacts(ctx context.Context, embedding []float32, topK int) ([]Fact, error)
	// BuildContext renders known facts relevant to embedding into a system
	// prompt fragment, or "" if nothing qualifies.
	BuildContext(ctx context.Context, embedding []float32) (string, error)
	DeleteFact(ctx context.Context, id string) error
	DeleteMatchingFacts(ctx context.Context, pattern string) error
	DecayOldFacts(ctx context.Context) error
}

// agentMemory provides shared memory wiring for LLMAgent and Network.
// All fields are optional — nil means the feature is disabled.
type agentMemory struct {
	store             ConversationStore // conversation history
	embedding         EmbeddingProvider // shared embedding provider
	memory            MemoryStore       // user facts
	crossThreadSearch bool              // enabled by WithCrossThreadSearch
	semanticMinScore  float32           // 0 = use defaultSemanticRecallMinScore
	provider          Provider          // for auto-extraction when memory != nil
	logger            *slog.Logger

	wg sync.WaitGroup // tracks in-flight persistMessages goroutines
}

// drain waits for all in-flight background persist goroutines to finish.
func (m *agentMemory) drain() { m.wg.Wait() }

// buildMessages constructs the message list: system prompt + user memory + conversation history + user input.
func (m *agentMemory) buildMessages(ctx context.Context, agentName, systemPrompt string, task AgentTask) []ChatMessage {
	var messages []ChatMessage

	prompt := m.buildSystemPrompt(ctx, systemPrompt, task.Input)
	if prompt != "" {
		messages = append(messages, SystemMessage(prompt))
	}

	threadID := task.TaskThreadID()
	if m.store != nil && threadID != "" {
		history, err := m.store.GetMessages(ctx, threadID, defaultHistoryLimit)
		if err != nil {
			m.logger.Warn("load history", "agent", agentName, "error", err)
		}
		for _, msg := range history {
			messages = append(messages, ChatMessage{Role: msg.Role, Content: msg.Content})
		}

		// Cross-thread recall: search relevant messages across all threads,
		// excluding the current thread (already in history) and low-score results.
		if m.crossThreadSearch && m.embedding != nil {
			embs, err := m.embedding.Embed(ctx, []string{task.Input})
			if err == nil && len(embs) > 0 {
				minScore := m.semanticMinScore
				if minScore == 0 {
					minScore = defaultSemanticRecallMinScore
				}
				related, err := m.store.SearchMessages(ctx, embs[0], 5)
				if err == nil {
					var recall strings.Builder
					recall.WriteString("Relevant context from past conversations:\n")
					n := 0
					for _, r := range related {
						if r.ThreadID == threadID {
							continue
						}
						if r.Score > 0 && r.Score < minScore {
							continue
						}
						fmt.Fprintf(&recall, "[%s]: %s\n", r.Role, r.Content)
						n++
					}
					if n > 0 {
						messages = append(messages, SystemMessage(recall.String()))
					}
				}
			}
		}
	}

	messages = append(messages, ChatMessage{Role: "user", Content: task.Input})
	return messages
}

// buildSystemPrompt assembles the system prompt with optional user memory context.
func (m *agentMemory) buildSystemPrompt(ctx context.Context, basePrompt, input string) string {
	var parts []string
	if basePrompt != "" {
		parts = append(parts, basePrompt)
	}

	if m.memory != nil && m.embedding != nil {
		embs, err := m.embedding.Embed(ctx, []string{input})
		if err == nil && len(embs) > 0 {
			memCtx, err := m.memory.BuildContext(ctx, embs[0])
			if err == nil && memCtx != "" {
				parts = append(parts, memCtx)
			}
		}
	}

	return strings.Join(parts, "\n\n")
}

// persistMessages stores user and assistant messages in the background.
// No-op if no ConversationStore is configured or the task carries no thread ID.
func (m *agentMemory) persistMessages(ctx context.Context, agentName string, task AgentTask, userText, assistantText string) {
	threadID := task.TaskThreadID()
	if m.store == nil || threadID == "" {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Detach from parent cancellation so persist + extraction can finish
		// even after the handler returns.
		bgCtx := context.WithoutCancel(ctx)

		userMsg := Message{ID: NewID(), ThreadID: threadID, Role: "user", Content: userText, CreatedAt: NowUnix()}
		if m.embedding != nil {
			embs, err := m.embedding.Embed(bgCtx, []string{userText})
			if err == nil && len(embs) > 0 {
				userMsg.Embedding = embs[0]
			}
		}
		if err := m.store.StoreMessage(bgCtx, userMsg); err != nil {
			m.logger.Warn("persist user message", "agent", agentName, "error", err)
		}

		asstMsg := Message{ID: NewID(), ThreadID: threadID, Role: "assistant", Content: assistantText, CreatedAt: NowUnix()}
		if err := m.store.StoreMessage(bgCtx, asstMsg); err != nil {
			m.logger.Warn("persist assistant message", "agent", agentName, "error", err)
		}

		if m.memory != nil && m.provider != nil && m.embedding != nil {
			m.extractAndPersistFacts(bgCtx, agentName, userText, assistantText)
		}
	}()
}

// extractFactsPrompt is the system prompt for fact extraction with supersedes support.
const extractFactsPrompt = `You are a memory extraction system. Given a conversation between a user and an assistant, extract factual information ABOUT THE USER.

Extract facts like:
- Personal info (name, job, location, timezone)
- Preferences (communication style, tools, languages)
- Habits and routines
- Current projects or goals
- Relationships and people they mention

Rules:
- Only extract facts clearly stated or strongly implied by the USER (not the assistant)
- Each fact should be a single, concise statement
- Categorize each fact as: personal, preference, work, habit, or relationship
- If a new fact CONTRADICTS or UPDATES a previously known fact, include a "supersedes" field with the old fact text
- If no new user facts are present, return an empty array
- Do NOT extract facts about the assistant or general knowledge

Return a JSON array:
[{"fact": "User moved to Bali", "category": "personal", "supersedes": "Lives in Jakarta"}]

If the fact does not supersede anything, omit the "supersedes" field:
[{"fact": "User's name is Nev", "category": "personal"}]

Return ONLY the JSON array, no extra text. Return [] if no facts found.`

// shouldExtractFacts returns true if the user message is worth running
// fact extraction on. Skips trivial messages to avoid wasted LLM calls.
func shouldExtractFacts(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, s := range trivialMessages {
		if lower == s {
			return false
		}
	}
	return true
}

var trivialMessages = []string{
	"ok", "oke", "okay", "okey",
	"thanks", "thank you", "makasih", "thx", "ty",
	"yes", "no", "ya", "ga", "gak", "nggak", "engga",
	"nice", "sip", "siap", "oke sip",
	"lol", "haha", "wkwk", "wkwkwk",
	"hmm", "hm", "oh", "ah",
	"good", "great", "cool", "yep", "nope",
}

// extractAndPersistFacts runs fact extraction on the conversation turn and
// persists results to MemoryStore, including semantic supersedes handling.
func (m *agentMemory) extractAndPersistFacts(ctx context.Context, agentName, userText, assistantText string) {
	if !shouldExtractFacts(userText) {
		return
	}

	resp, err := m.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(extractFactsPrompt),
			UserMessage(fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)),
		},
	})
	if err != nil {
		return
	}

	facts := parseExtractedFacts(resp.Content)
	for _, f := range facts {
		if f.Supersedes != nil {
			m.deleteSupersededFact(ctx, agentName, *f.Supersedes)
		}

		embs, err := m.embedding.Embed(ctx, []string{f.Fact})
		if err == nil && len(embs) > 0 {
			if err := m.memory.UpsertFact(ctx, f.Fact, f.Category, embs[0]); err != nil {
				m.logger.Warn("upsert fact", "agent", agentName, "error", err)
			}
		}
	}
}

// supersedesMinScore is the cosine similarity threshold for matching
// a superseded fact. Lower than a dedup threshold would be, because
// supersedes targets contradictions that are semantically similar but different.
const supersedesMinScore float32 = 0.80

// deleteSupersededFact embeds the superseded text, searches for semantically
// similar facts, and deletes matches above the threshold.
func (m *agentMemory) deleteSupersededFact(ctx context.Context, agentName, supersededText string) {
	embs, err := m.embedding.Embed(ctx, []string{supersededText})
	if err != nil || len(embs) == 0 {
		return
	}
	results, err := m.memory.SearchFacts(ctx, embs[0], 5)
	if err != nil {
		return
	}
	for _, r := range results {
		if r.Score >= supersedesMinScore {
			if err := m.memory.DeleteFact(ctx, r.ID); err != nil {
				m.logger.Warn("delete superseded fact", "agent", agentName, "id", r.ID, "error", err)
			}
		}
	}
}

// ExtractedFact is a user fact extracted from a conversation turn.
type ExtractedFact struct {
	Fact       string  `json:"fact"`
	Category   string  `json:"category"`
	Supersedes *string `json:"supersedes,omitempty"`
}

// parseExtractedFacts parses the LLM's fact extraction response.
// Handles both raw JSON arrays and markdown-fenced responses.
func parseExtractedFacts(response string) []ExtractedFact {
	content := strings.TrimSpace(response)
	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(content), &facts); err != nil {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start >= 0 && end > start {
			_ = json.Unmarshal([]byte(content[start:end+1]), &facts)
		}
	}
	return facts
}
