package conductor

import "context"

// LLMAgent wraps a single LLM with a tool registry, processor chain, and
// optional conversation/user memory. The simplest concrete Agent; Network
// composes several of these (or other Agents) behind a router.
type LLMAgent struct {
	agentCore
}

// NewLLMAgent creates an LLMAgent. provider is required; everything else is
// configured via AgentOption (WithTools, WithPrompt, WithConversationMemory, ...).
func NewLLMAgent(name, description string, provider Provider, opts ...AgentOption) *LLMAgent {
	cfg := buildConfig(opts)
	return &LLMAgent{agentCore: initCore(name, description, provider, cfg)}
}

// Execute runs the agent to completion and returns its final result.
func (a *LLMAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	messages := a.mem.buildMessages(ctx, a.name, a.promptText, task)
	return a.executeWithSpan(ctx, task, messages, nil)
}

// ExecuteStream runs the agent, emitting StreamEvents as the LLM streams
// text and invokes tools, then returns the final result.
func (a *LLMAgent) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	messages := a.mem.buildMessages(ctx, a.name, a.promptText, task)
	return a.executeWithSpan(ctx, task, messages, ch)
}
