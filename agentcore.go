package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// drainTimeout bounds how long Drain() waits for background memory persist
// goroutines before giving up.
const drainTimeout = 10 * time.Second

// agentCore holds the configuration and machinery shared by LLMAgent and
// Network: tool registry, processor chain, memory wiring, and tracing.
// Both concrete agent types embed it and supply their own Execute/ExecuteStream.
type agentCore struct {
	name        string
	description string
	promptText  string

	provider   Provider
	tools      *ToolRegistry
	toolDefs   []ToolDefinition
	processors *ProcessorChain
	maxIter    int

	subagents map[string]Agent

	inputHandler InputHandler

	mem agentMemory

	tracer Tracer
	logger *slog.Logger
}

// initCore builds an agentCore from the options collected by buildConfig.
// Shared by NewLLMAgent and NewNetwork.
func initCore(name, description string, provider Provider, cfg agentConfig) agentCore {
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}

	registry := NewToolRegistry()
	for _, t := range cfg.tools {
		registry.Add(t)
	}

	processors := NewProcessorChain()
	for _, p := range cfg.processors {
		processors.Add(p)
	}

	toolDefs := registry.AllDefinitions()
	if cfg.inputHandler != nil {
		toolDefs = append(toolDefs, askUserToolDef())
	}

	var subagents map[string]Agent
	if len(cfg.agents) > 0 {
		subagents = make(map[string]Agent, len(cfg.agents))
		for _, a := range cfg.agents {
			subagents[a.Name()] = a
			toolDefs = append(toolDefs, ToolDefinition{
				Name:        agentToolName(a.Name()),
				Description: a.Description(),
				Parameters:  routeParamsSchema,
			})
		}
	}

	maxIter := cfg.maxIter
	if maxIter <= 0 {
		maxIter = 10
	}

	return agentCore{
		name:         name,
		description:  description,
		promptText:   cfg.prompt,
		provider:     provider,
		tools:        registry,
		toolDefs:     toolDefs,
		processors:   processors,
		maxIter:      maxIter,
		subagents:    subagents,
		inputHandler: cfg.inputHandler,
		mem: agentMemory{
			store:             cfg.store,
			embedding:         cfg.embedding,
			memory:            cfg.memory,
			crossThreadSearch: cfg.crossThreadSearch,
			semanticMinScore:  cfg.semanticMinScore,
			provider:          provider,
			logger:            logger,
		},
		tracer: cfg.tracer,
		logger: logger,
	}
}

// Name returns the agent's identifier.
func (c *agentCore) Name() string { return c.name }

// Description returns the agent's human-readable description.
func (c *agentCore) Description() string { return c.description }

// Drain waits for all in-flight background memory-persist goroutines to
// finish, or drainTimeout elapses. Call after Execute returns if the caller
// needs persisted history to be visible immediately (e.g. in tests).
func (c *agentCore) Drain() {
	done := make(chan struct{})
	go func() {
		c.mem.drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		c.logger.Warn("drain timed out", "agent", c.name)
	}
}

// baseLoopConfig assembles the loopConfig shared by Execute and ExecuteStream.
func (c *agentCore) baseLoopConfig() loopConfig {
	return loopConfig{
		name:         c.name,
		provider:     c.provider,
		tools:        c.tools,
		toolDefs:     c.toolDefs,
		processors:   c.processors,
		maxIter:      c.maxIter,
		subagents:    c.subagents,
		inputHandler: c.inputHandler,
		tracer:       c.tracer,
		logger:       c.logger,
	}
}

// executeWithSpan wraps runLoop with a top-level span and structured logging
// shared by LLMAgent.Execute/ExecuteStream and Network.Execute/ExecuteStream.
func (c *agentCore) executeWithSpan(ctx context.Context, task AgentTask, messages []ChatMessage, ch chan<- StreamEvent) (AgentResult, error) {
	ctx, span := startSpan(ctx, c.tracer, "agent.execute", StringAttr("agent", c.name))
	defer span.End()

	start := time.Now()
	result, err := runLoop(ctx, c.baseLoopConfig(), messages, ch)
	if err != nil {
		span.Error(err)
		c.logger.Error("agent execute failed", "agent", c.name, "error", err, "duration", time.Since(start))
		return result, err
	}

	c.logger.Info("agent execute completed", "agent", c.name, "duration", time.Since(start),
		"tokens.input", result.Usage.InputTokens, "tokens.output", result.Usage.OutputTokens)
	c.mem.persistMessages(ctx, c.name, task, task.Input, result.Output)
	return result, nil
}

// --- subagent dispatch, used by Network ---

// agentToolPrefix namespaces the synthetic tool names Network generates for
// each subagent, so the routing LLM calls e.g. "agent_researcher".
const agentToolPrefix = "agent_"

// agentToolName returns the synthetic tool name for delegating to subagent.
func agentToolName(agentName string) string { return agentToolPrefix + agentName }

// routeParamsSchema is the parameter schema for every synthetic agent_* tool:
// a single free-form task description handed to the subagent verbatim.
var routeParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "The task to delegate to this agent"}
	},
	"required": ["task"]
}`)

// executeAgent runs a subagent on behalf of Network's tool dispatch,
// recovering from panics so one misbehaving subagent can't take down the
// router's turn. When ch is non-nil and the subagent implements
// StreamingAgent, its internal events are forwarded onto ch so callers see
// subagent progress, not just the final answer.
func executeAgent(ctx context.Context, sub Agent, task AgentTask, ch chan<- StreamEvent) (result AgentResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = safeAgentError(p)
		}
	}()

	if ch == nil {
		return sub.Execute(ctx, task)
	}

	streaming, ok := sub.(StreamingAgent)
	if !ok {
		return sub.Execute(ctx, task)
	}

	ch <- StreamEvent{Type: EventAgentStart, Name: sub.Name(), Content: task.Input}
	inner := make(chan StreamEvent)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		forwardSubagentStream(inner, ch)
	}()

	result, err = streaming.ExecuteStream(ctx, task, inner)
	close(inner)
	wg.Wait()

	ch <- StreamEvent{Type: EventAgentFinish, Name: sub.Name(), Content: result.Output}
	return result, err
}

// forwardSubagentStream relays a subagent's internal stream events onto the
// parent's stream until inner is closed.
func forwardSubagentStream(inner <-chan StreamEvent, out chan<- StreamEvent) {
	for ev := range inner {
		out <- ev
	}
}

// safeAgentError converts a recovered panic value into an error.
func safeAgentError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("subagent panic: %w", err)
	}
	return fmt.Errorf("subagent panic: %v", p)
}

// routeArgs is the argument shape for the router's subagent dispatch tool.
type routeArgs struct {
	Task string `json:"task"`
}
