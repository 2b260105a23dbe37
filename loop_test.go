package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// --- Parallel tool execution tests ---

// barrierTool is a Tool where each Execute blocks until all concurrent calls
// have started. If tools run sequentially, this deadlocks (caught by timeout).
type barrierTool struct {
	name    string
	barrier chan struct{}
	started chan struct{}
}

func (b *barrierTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: b.name, Description: "barrier tool"}}
}

func (b *barrierTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	b.started <- struct{}{} // signal: I have started
	<-b.barrier             // wait for release
	return ToolResult{Content: "done from " + b.name}, nil
}

func TestLLMAgentParallelToolExecution(t *testing.T) {
	const numTools = 3
	barrier := make(chan struct{})
	started := make(chan struct{}, numTools)

	var tools []Tool
	for i := 0; i < numTools; i++ {
		tools = append(tools, &barrierTool{
			name:    fmt.Sprintf("tool_%d", i),
			barrier: barrier,
			started: started,
		})
	}

	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{
				{ID: "1", Name: "tool_0", Args: json.RawMessage(`{}`)},
				{ID: "2", Name: "tool_1", Args: json.RawMessage(`{}`)},
				{ID: "3", Name: "tool_2", Args: json.RawMessage(`{}`)},
			}},
			{Content: "all tools completed"},
		},
	}

	agent := NewLLMAgent("parallel", "Tests parallel", provider, WithTools(tools...))

	done := make(chan struct{})
	var result AgentResult
	var execErr error
	go func() {
		result, execErr = agent.Execute(context.Background(), AgentTask{Input: "go"})
		close(done)
	}()

	// All 3 tools must start before any can finish.
	// If sequential, tool_1 would block waiting for tool_0 to finish,
	// but tool_0 is waiting for all 3 to start — deadlock.
	for i := 0; i < numTools; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tool did not start — tools likely running sequentially")
		}
	}

	close(barrier)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not finish in time")
	}

	if execErr != nil {
		t.Fatal(execErr)
	}
	if result.Output != "all tools completed" {
		t.Errorf("Output = %q, want %q", result.Output, "all tools completed")
	}
}

func TestNetworkParallelToolExecution(t *testing.T) {
	const numTools = 3
	barrier := make(chan struct{})
	started := make(chan struct{}, numTools)

	var tools []Tool
	for i := 0; i < numTools; i++ {
		tools = append(tools, &barrierTool{
			name:    fmt.Sprintf("tool_%d", i),
			barrier: barrier,
			started: started,
		})
	}

	router := &mockProvider{
		name: "router",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{
				{ID: "1", Name: "tool_0", Args: json.RawMessage(`{}`)},
				{ID: "2", Name: "tool_1", Args: json.RawMessage(`{}`)},
				{ID: "3", Name: "tool_2", Args: json.RawMessage(`{}`)},
			}},
			{Content: "network parallel done"},
		},
	}

	network := NewNetwork("parallel", "Tests parallel", router, WithTools(tools...))

	done := make(chan struct{})
	var result AgentResult
	var execErr error
	go func() {
		result, execErr = network.Execute(context.Background(), AgentTask{Input: "go"})
		close(done)
	}()

	for i := 0; i < numTools; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tool did not start — tools likely running sequentially")
		}
	}

	close(barrier)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("network did not finish in time")
	}

	if execErr != nil {
		t.Fatal(execErr)
	}
	if result.Output != "network parallel done" {
		t.Errorf("Output = %q, want %q", result.Output, "network parallel done")
	}
}

func TestNetworkParallelAgentExecution(t *testing.T) {
	// Verify subagent dispatches also run in parallel.
	barrier := make(chan struct{})
	started := make(chan struct{}, 2)

	makeAgent := func(name string) *stubAgent {
		return &stubAgent{
			name: name,
			desc: "Barrier agent",
			fn: func(task AgentTask) (AgentResult, error) {
				started <- struct{}{}
				<-barrier
				return AgentResult{Output: name + " done"}, nil
			},
		}
	}

	router := &mockProvider{
		name: "router",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{
				{ID: "1", Name: "agent_alpha", Args: json.RawMessage(`{"task":"work"}`)},
				{ID: "2", Name: "agent_beta", Args: json.RawMessage(`{"task":"work"}`)},
			}},
			{Content: "both agents done"},
		},
	}

	network := NewNetwork("parallel", "Tests parallel agents", router,
		WithAgents(makeAgent("alpha"), makeAgent("beta")),
	)

	done := make(chan struct{})
	var result AgentResult
	var execErr error
	go func() {
		result, execErr = network.Execute(context.Background(), AgentTask{Input: "go"})
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not start — agents likely running sequentially")
		}
	}

	close(barrier)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("network did not finish in time")
	}

	if execErr != nil {
		t.Fatal(execErr)
	}
	if result.Output != "both agents done" {
		t.Errorf("Output = %q, want %q", result.Output, "both agents done")
	}
}

// --- ask_user builtin ---

type stubInputHandler struct {
	value string
	err   error
}

func (s *stubInputHandler) RequestInput(_ context.Context, _ InputRequest) (InputResponse, error) {
	if s.err != nil {
		return InputResponse{}, s.err
	}
	return InputResponse{Value: s.value}, nil
}

func TestLLMAgentAskUserBuiltin(t *testing.T) {
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "1", Name: "ask_user", Args: json.RawMessage(`{"question":"continue?"}`)}}},
			{Content: "proceeding"},
		},
	}

	agent := NewLLMAgent("asker", "Asks the user", provider,
		WithInputHandler(&stubInputHandler{value: "yes"}),
	)

	result, err := agent.Execute(context.Background(), AgentTask{Input: "start"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "proceeding" {
		t.Errorf("Output = %q, want %q", result.Output, "proceeding")
	}
}

func TestLLMAgentAskUserWithoutHandlerIsUnknownTool(t *testing.T) {
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "1", Name: "ask_user", Args: json.RawMessage(`{"question":"continue?"}`)}}},
			{Content: "fell through"},
		},
	}

	agent := NewLLMAgent("asker", "Asks the user", provider)

	result, err := agent.Execute(context.Background(), AgentTask{Input: "start"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "fell through" {
		t.Errorf("Output = %q, want %q", result.Output, "fell through")
	}
}

// --- Loop termination ---

func TestLLMAgentExceedsMaxIterations(t *testing.T) {
	// Provider always returns a tool call, never a final answer.
	var responses []ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, ChatResponse{
			ToolCalls: []ToolCall{{ID: fmt.Sprintf("%d", i), Name: "greet", Args: json.RawMessage(`{}`)}},
		})
	}
	provider := &mockProvider{name: "loopy", responses: responses}
	agent := NewLLMAgent("loopy", "Never finishes", provider, WithTools(mockTool{}), WithMaxIter(3))

	_, err := agent.Execute(context.Background(), AgentTask{Input: "go"})
	if err == nil {
		t.Fatal("expected max-iterations error")
	}
	if !strings.Contains(err.Error(), "max iterations") {
		t.Errorf("error = %q, want mention of max iterations", err)
	}
}

func TestLLMAgentToolPanicRecovery(t *testing.T) {
	panicTool := toolFunc{
		defs: []ToolDefinition{{Name: "explode", Description: "Panics"}},
		exec: func(context.Context, string, json.RawMessage) (ToolResult, error) {
			panic("tool exploded")
		},
	}
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "1", Name: "explode", Args: json.RawMessage(`{}`)}}},
			{Content: "recovered"},
		},
	}
	agent := NewLLMAgent("resilient", "Recovers from tool panics", provider, WithTools(panicTool))

	result, err := agent.Execute(context.Background(), AgentTask{Input: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "recovered" {
		t.Errorf("Output = %q, want %q", result.Output, "recovered")
	}
}

func TestNetworkSubagentPanicRecovery(t *testing.T) {
	panicker := &stubAgent{
		name: "panicker",
		desc: "Always panics",
		fn: func(AgentTask) (AgentResult, error) {
			panic("subagent exploded")
		},
	}
	router := &mockProvider{
		name: "router",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "1", Name: "agent_panicker", Args: json.RawMessage(`{"task":"go"}`)}}},
			{Content: "handled the panic"},
		},
	}
	network := NewNetwork("net", "Tolerates subagent panics", router, WithAgents(panicker))

	result, err := network.Execute(context.Background(), AgentTask{Input: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "handled the panic" {
		t.Errorf("Output = %q, want %q", result.Output, "handled the panic")
	}
}

func TestNetworkUnknownSubagentFallsThroughToToolRegistry(t *testing.T) {
	router := &mockProvider{
		name: "router",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "1", Name: "agent_ghost", Args: json.RawMessage(`{"task":"go"}`)}}},
			{Content: "no such agent"},
		},
	}
	network := NewNetwork("net", "No subagents configured", router)

	result, err := network.Execute(context.Background(), AgentTask{Input: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "no such agent" {
		t.Errorf("Output = %q, want %q", result.Output, "no such agent")
	}
}

// toolFunc adapts a single function into a Tool for ad-hoc test cases.
type toolFunc struct {
	defs []ToolDefinition
	exec func(context.Context, string, json.RawMessage) (ToolResult, error)
}

func (t toolFunc) Definitions() []ToolDefinition { return t.defs }
func (t toolFunc) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.exec(ctx, name, args)
}

func TestLLMAgentProcessorErrorPropagates(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{{Content: "unreachable"}}}
	agent := NewLLMAgent("broken", "Has a broken processor", provider,
		WithProcessors(&errorProcessor{}),
	)

	_, err := agent.Execute(context.Background(), AgentTask{Input: "go"})
	if err == nil {
		t.Fatal("expected processor error to propagate")
	}
	var halt *ErrHalt
	if errors.As(err, &halt) {
		t.Error("expected a plain error, not ErrHalt")
	}
}
