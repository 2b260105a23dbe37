package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// maxParallelDispatch bounds the worker pool used to execute independent
// tool calls from a single LLM turn concurrently.
const maxParallelDispatch = 10

// askUserToolName is the reserved tool name for human-in-the-loop requests.
// Only registered when an InputHandler is configured.
const askUserToolName = "ask_user"

func askUserToolDef() ToolDefinition {
	return ToolDefinition{
		Name:        askUserToolName,
		Description: "Ask the human user a question and wait for their reply. Use when you need clarification or approval before proceeding.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The question to ask the user"},
				"options": {"type": "array", "items": {"type": "string"}, "description": "Optional suggested choices"}
			},
			"required": ["question"]
		}`),
	}
}

type askUserArgs struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// executeAskUser handles the ask_user builtin by delegating to the configured
// InputHandler. Returns ok=false if no handler is configured so the caller
// can fall back to normal tool dispatch (and ultimately "unknown tool").
func executeAskUser(ctx context.Context, ih InputHandler, agentName string, tc ToolCall) (ToolResult, bool) {
	if ih == nil {
		return ToolResult{}, false
	}
	var args askUserArgs
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return ToolResult{Error: "invalid ask_user arguments: " + err.Error()}, true
	}
	resp, err := ih.RequestInput(ctx, InputRequest{
		Question: args.Question,
		Options:  args.Options,
		Metadata: map[string]string{"agent": agentName},
	})
	if err != nil {
		return ToolResult{Error: "ask_user failed: " + err.Error()}, true
	}
	return ToolResult{Content: resp.Value}, true
}

// loopConfig assembles everything runLoop needs for one agent turn.
type loopConfig struct {
	name         string
	provider     Provider
	tools        *ToolRegistry
	toolDefs     []ToolDefinition
	processors   *ProcessorChain
	maxIter      int
	subagents    map[string]Agent
	inputHandler InputHandler
	tracer       Tracer
	logger       *slog.Logger
}

// runLoop drives the tool-calling loop: send messages, execute any tool
// calls the LLM requests, append results, repeat until the LLM responds
// without tool calls or maxIter is exhausted. When ch is non-nil, text
// deltas and tool events are streamed incrementally; otherwise the loop
// blocks and returns only the final result.
func runLoop(ctx context.Context, cfg loopConfig, messages []ChatMessage, ch chan<- StreamEvent) (AgentResult, error) {
	if cfg.maxIter <= 0 {
		cfg.maxIter = 10
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}

	msgs := append([]ChatMessage{}, messages...)
	var usage Usage

	for iter := 0; iter < cfg.maxIter; iter++ {
		ctx, span := startSpan(ctx, cfg.tracer, "agent.iteration", StringAttr("agent", cfg.name), IntAttr("iteration", iter))

		req := ChatRequest{Messages: msgs}
		if cfg.processors != nil {
			if err := cfg.processors.RunPreLLM(ctx, &req); err != nil {
				span.End()
				if halt, ok := err.(*ErrHalt); ok {
					return AgentResult{Output: halt.Response, Usage: usage}, nil
				}
				return AgentResult{Usage: usage}, err
			}
		}

		resp, err := callLLM(ctx, cfg, req, ch)
		if err != nil {
			span.Error(err)
			span.End()
			return AgentResult{Usage: usage}, fmt.Errorf("agent %s: %w", cfg.name, err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if cfg.processors != nil {
			if err := cfg.processors.RunPostLLM(ctx, &resp); err != nil {
				span.End()
				if halt, ok := err.(*ErrHalt); ok {
					return AgentResult{Output: halt.Response, Usage: usage}, nil
				}
				return AgentResult{Usage: usage}, err
			}
		}

		if len(resp.ToolCalls) == 0 {
			span.End()
			return AgentResult{Output: resp.Content, Usage: usage}, nil
		}

		msgs = append(msgs, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		results, err := dispatchParallel(ctx, cfg, resp.ToolCalls, ch)
		if err != nil {
			span.Error(err)
			span.End()
			return AgentResult{Usage: usage}, err
		}
		msgs = append(msgs, results...)
		span.End()
	}

	return AgentResult{Usage: usage}, fmt.Errorf("agent %s: exceeded max iterations (%d)", cfg.name, cfg.maxIter)
}

// callLLM invokes the provider, streaming text deltas to ch when non-nil.
func callLLM(ctx context.Context, cfg loopConfig, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch == nil {
		return cfg.provider.ChatWithTools(ctx, req, cfg.toolDefs)
	}

	inner := make(chan StreamEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range inner {
			ch <- ev
		}
	}()
	resp, err := cfg.provider.ChatStream(ctx, req, inner)
	<-done
	return resp, err
}

// dispatchParallel executes independent tool calls concurrently, bounded by
// maxParallelDispatch, and returns their results as tool ChatMessages in the
// original call order.
func dispatchParallel(ctx context.Context, cfg loopConfig, calls []ToolCall, ch chan<- StreamEvent) ([]ChatMessage, error) {
	results := make([]ChatMessage, len(calls))
	sem := make(chan struct{}, maxParallelDispatch)
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()

			if sub, name, ok := lookupSubagent(cfg, tc.Name); ok {
				results[i] = dispatchSubagent(ctx, sub, name, tc, ch)
				return
			}

			if ch != nil {
				ch <- StreamEvent{Type: EventToolCallStart, Name: tc.Name, Args: tc.Args}
			}

			result := safeDispatch(ctx, cfg, tc)

			if cfg.processors != nil {
				if err := cfg.processors.RunPostTool(ctx, tc, &result); err != nil {
					if result.Error == "" {
						result.Error = err.Error()
					}
				}
			}

			content := result.Content
			if result.Error != "" {
				content = "error: " + result.Error
			}
			if ch != nil {
				ch <- StreamEvent{Type: EventToolCallResult, Name: tc.Name, Content: content}
			}
			results[i] = ToolResultMessage(tc.ID, content)
		}(i, tc)
	}
	wg.Wait()
	return results, nil
}

// lookupSubagent reports whether toolName addresses a configured subagent
// (the "agent_<name>" convention) and returns it along with its bare name.
func lookupSubagent(cfg loopConfig, toolName string) (Agent, string, bool) {
	if cfg.subagents == nil {
		return nil, "", false
	}
	name, ok := strings.CutPrefix(toolName, agentToolPrefix)
	if !ok {
		return nil, "", false
	}
	sub, ok := cfg.subagents[name]
	return sub, name, ok
}

// dispatchSubagent delegates one router tool call to a subagent, recovering
// from panics and forwarding the subagent's own stream events on ch.
func dispatchSubagent(ctx context.Context, sub Agent, name string, tc ToolCall, ch chan<- StreamEvent) ChatMessage {
	var args routeArgs
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return ToolResultMessage(tc.ID, "error: invalid arguments for agent "+name+": "+err.Error())
	}

	result, err := executeAgent(ctx, sub, AgentTask{Input: args.Task}, ch)
	if err != nil {
		return ToolResultMessage(tc.ID, "error: "+err.Error())
	}
	return ToolResultMessage(tc.ID, result.Output)
}

// safeDispatch executes one tool call, recovering from panics so a single
// misbehaving tool cannot take down the whole agent turn.
func safeDispatch(ctx context.Context, cfg loopConfig, tc ToolCall) (result ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{Error: fmt.Sprintf("tool %s panicked: %v", tc.Name, p)}
		}
	}()

	if tc.Name == askUserToolName {
		if r, ok := executeAskUser(ctx, cfg.inputHandler, cfg.name, tc); ok {
			return r
		}
	}

	r, err := cfg.tools.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return r
}

// startSpan starts a tracer span if t is non-nil, otherwise returns a no-op
// span so callers never need a nil check.
func startSpan(ctx context.Context, t Tracer, name string, attrs ...SpanAttr) (context.Context, Span) {
	if t == nil {
		return ctx, noopSpan{}
	}
	return t.Start(ctx, name, attrs...)
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)       {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)               {}
func (noopSpan) End()                      {}
