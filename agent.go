package conductor

import (
	"context"
	"log/slog"
)

// Agent is a unit of work that takes a task and returns a result.
// LLMAgent wraps a single LLM with tools; Network routes a task across
// several subagents via an LLM-driven router.
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// Description returns a human-readable description of what the agent does.
	// Used by Network to generate tool definitions for the routing LLM.
	Description() string
	// Execute runs the agent on the given task and returns a result.
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// StreamingAgent is an Agent that can also stream incremental events.
// LLMAgent and Network both implement it.
type StreamingAgent interface {
	Agent
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error)
}

// ContextThreadID is the AgentTask.Context key an agent reads to load and
// persist conversation history when conversation memory is configured.
const ContextThreadID = "thread_id"

// AgentTask is the input to an Agent.
type AgentTask struct {
	// Input is the natural language task description.
	Input string
	// Context carries optional metadata (thread ID, user ID, etc.).
	Context map[string]string
}

// TaskThreadID returns the thread ID from Context, or "" if absent.
func (t AgentTask) TaskThreadID() string {
	if t.Context == nil {
		return ""
	}
	return t.Context[ContextThreadID]
}

// AgentResult is the output of an Agent.
type AgentResult struct {
	// Output is the agent's final response text.
	Output string
	// Usage tracks aggregate token usage across all LLM calls.
	Usage Usage
}

// agentConfig holds shared configuration for LLMAgent and Network, built up
// by AgentOption functions and consumed by initCore.
type agentConfig struct {
	tools        []Tool
	agents       []Agent
	prompt       string
	maxIter      int
	processors   []any
	inputHandler InputHandler

	store             ConversationStore
	embedding         EmbeddingProvider
	memory            MemoryStore
	crossThreadSearch bool
	semanticMinScore  float32

	tracer Tracer
	logger *slog.Logger
}

// AgentOption configures an LLMAgent or Network.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent or network.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithPrompt sets the system prompt for the agent or network router.
func WithPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.prompt = s }
}

// WithMaxIter sets the maximum tool-calling iterations.
func WithMaxIter(n int) AgentOption {
	return func(c *agentConfig) { c.maxIter = n }
}

// WithAgents adds subagents to a Network. Ignored by LLMAgent.
func WithAgents(agents ...Agent) AgentOption {
	return func(c *agentConfig) { c.agents = append(c.agents, agents...) }
}

// WithProcessors adds processors to the agent's execution pipeline.
// Each processor must implement at least one of PreProcessor, PostProcessor,
// or PostToolProcessor. Processors run in registration order at their
// respective hook points during Execute().
func WithProcessors(processors ...any) AgentOption {
	return func(c *agentConfig) { c.processors = append(c.processors, processors...) }
}

// WithInputHandler sets the handler for human-in-the-loop interactions.
// When set, the agent gains an "ask_user" tool (LLM-driven) and processors
// can access the handler via InputHandlerFromContext(ctx).
func WithInputHandler(h InputHandler) AgentOption {
	return func(c *agentConfig) { c.inputHandler = h }
}

// WithConversationMemory enables per-thread history: messages are loaded
// before each request and persisted in the background after each turn.
// Requires task.Context[ContextThreadID] to be set; silently skipped otherwise.
func WithConversationMemory(store ConversationStore) AgentOption {
	return func(c *agentConfig) { c.store = store }
}

// WithSemanticSearch enables embedding-backed features: stored messages are
// embedded for later recall, and WithUserMemory's fact search becomes active.
func WithSemanticSearch(embedding EmbeddingProvider) AgentOption {
	return func(c *agentConfig) { c.embedding = embedding }
}

// WithUserMemory enables long-term user-fact recall. Facts are injected into
// the system prompt and auto-extracted from each turn. Requires
// WithSemanticSearch to also be set; otherwise it is a no-op.
func WithUserMemory(store MemoryStore) AgentOption {
	return func(c *agentConfig) { c.memory = store }
}

// WithCrossThreadSearch enables semantic recall of relevant messages from
// other threads, injected as extra system context. Requires
// WithConversationMemory and WithSemanticSearch.
func WithCrossThreadSearch() AgentOption {
	return func(c *agentConfig) { c.crossThreadSearch = true }
}

// WithSemanticRecallMinScore overrides the minimum cosine similarity for
// cross-thread recall (default 0.60).
func WithSemanticRecallMinScore(v float32) AgentOption {
	return func(c *agentConfig) { c.semanticMinScore = v }
}

// WithTracer attaches a Tracer so every iteration and tool dispatch is
// recorded as a span.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithAgentLogger sets the structured logger used for lifecycle messages.
// Defaults to a no-op discard logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

func buildConfig(opts []AgentOption) agentConfig {
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
