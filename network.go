package conductor

import (
	"context"
	"fmt"
	"strings"
)

// Network routes a task across several subagents via an LLM-driven router.
// Each subagent is exposed to the router as a synthetic "agent_<name>" tool;
// the router LLM decides which subagent(s) to delegate to, same tool-calling
// loop as LLMAgent underneath.
type Network struct {
	agentCore
}

// NewNetwork creates a router over the subagents passed via WithAgents.
// The router itself is an LLM call, so provider is required. WithPrompt sets
// the router's system prompt; NewNetwork appends a listing of available
// subagents so the router knows what it can delegate to.
func NewNetwork(name, description string, provider Provider, opts ...AgentOption) *Network {
	cfg := buildConfig(opts)
	core := initCore(name, description, provider, cfg)
	core.promptText = routerPrompt(core.promptText, cfg.agents)
	return &Network{agentCore: core}
}

// routerPrompt appends a subagent directory to the configured system prompt
// so the routing LLM knows which agent_<name> tools are available and why.
func routerPrompt(base string, agents []Agent) string {
	if len(agents) == 0 {
		return base
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("You can delegate work to the following specialist agents by calling their tool:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (%s): %s\n", agentToolName(a.Name()), a.Name(), a.Description())
	}
	b.WriteString("Delegate when a subagent is better suited than answering directly. You may call several in one turn.")
	return b.String()
}

// Execute runs the router to completion, delegating to subagents as needed.
func (n *Network) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	messages := n.mem.buildMessages(ctx, n.name, n.promptText, task)
	return n.executeWithSpan(ctx, task, messages, nil)
}

// ExecuteStream runs the router, streaming its own events plus any delegated
// subagent's events (forwarded verbatim) on ch.
func (n *Network) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	messages := n.mem.buildMessages(ctx, n.name, n.promptText, task)
	return n.executeWithSpan(ctx, task, messages, ch)
}
