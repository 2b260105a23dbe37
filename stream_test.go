package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStreamEventTypeValues(t *testing.T) {
	tests := []struct {
		got  StreamEventType
		want string
	}{
		{EventTextDelta, "text-delta"},
		{EventToolCallStart, "tool-call-start"},
		{EventToolCallResult, "tool-call-result"},
		{EventAgentStart, "agent-start"},
		{EventAgentFinish, "agent-finish"},
	}
	for _, tt := range tests {
		if string(tt.got) != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

// errProvider always fails ChatStream, used to verify streaming error propagation.
type errProvider struct {
	name string
	err  error
}

func (p *errProvider) Name() string { return p.name }
func (p *errProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, p.err
}
func (p *errProvider) ChatWithTools(context.Context, ChatRequest, []ToolDefinition) (ChatResponse, error) {
	return ChatResponse{}, p.err
}
func (p *errProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	close(ch)
	return ChatResponse{}, p.err
}

func drainStream(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestLLMAgentExecuteStreamNoTools(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{{Content: "hi there"}}}
	agent := NewLLMAgent("streamer", "Streams output", provider)

	ch := make(chan StreamEvent)
	var result AgentResult
	var err error
	done := make(chan struct{})
	go func() {
		result, err = agent.ExecuteStream(context.Background(), AgentTask{Input: "hello"}, ch)
		close(done)
	}()
	events := drainStream(ch)
	<-done

	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "hi there" {
		t.Errorf("Output = %q, want %q", result.Output, "hi there")
	}
	foundDelta := false
	for _, ev := range events {
		if ev.Type == EventTextDelta && ev.Content == "hi there" {
			foundDelta = true
		}
	}
	if !foundDelta {
		t.Errorf("expected a text-delta event carrying the response, got %+v", events)
	}
}

func TestLLMAgentExecuteStreamWithTools(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "greet", Args: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	agent := NewLLMAgent("streamer", "Streams with tools", provider, WithTools(mockTool{}))

	ch := make(chan StreamEvent)
	var result AgentResult
	var err error
	done := make(chan struct{})
	go func() {
		result, err = agent.ExecuteStream(context.Background(), AgentTask{Input: "greet"}, ch)
		close(done)
	}()
	events := drainStream(ch)
	<-done

	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "done" {
		t.Errorf("Output = %q, want %q", result.Output, "done")
	}

	var sawStart, sawResult bool
	for _, ev := range events {
		if ev.Type == EventToolCallStart && ev.Name == "greet" {
			sawStart = true
		}
		if ev.Type == EventToolCallResult && ev.Name == "greet" {
			sawResult = true
		}
	}
	if !sawStart || !sawResult {
		t.Errorf("expected tool-call-start and tool-call-result events, got %+v", events)
	}
}

func TestLLMAgentStreamingInterfaceCompliance(t *testing.T) {
	agent := NewLLMAgent("test", "test", &mockProvider{name: "test"})
	var _ StreamingAgent = agent
}

func TestLLMAgentExecuteStreamProviderError(t *testing.T) {
	agent := NewLLMAgent("broken", "Broken", &errProvider{name: "broken", err: errors.New("upstream down")})

	ch := make(chan StreamEvent)
	var err error
	done := make(chan struct{})
	go func() {
		_, err = agent.ExecuteStream(context.Background(), AgentTask{Input: "hello"}, ch)
		close(done)
	}()
	drainStream(ch)
	<-done

	if err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestLLMAgentExecuteStreamContextCancellation(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{{Content: "should not matter"}}}
	agent := NewLLMAgent("cancel", "Cancel test", provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan StreamEvent)
	done := make(chan struct{})
	go func() {
		agent.ExecuteStream(ctx, AgentTask{Input: "hello"}, ch)
		close(done)
	}()
	drainStream(ch)
	<-done
}

// echoAgent is a minimal Agent used as a Network subagent in tests.
type echoAgent struct {
	name   string
	desc   string
	output string
}

func (e *echoAgent) Name() string        { return e.name }
func (e *echoAgent) Description() string { return e.desc }
func (e *echoAgent) Execute(_ context.Context, task AgentTask) (AgentResult, error) {
	return AgentResult{Output: e.output + ":" + task.Input}, nil
}

func TestNetworkExecuteStream(t *testing.T) {
	sub := &echoAgent{name: "echo", desc: "Echoes input", output: "echoed"}
	router := &mockProvider{name: "router", responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "agent_echo", Args: json.RawMessage(`{"task":"hi"}`)}}},
		{Content: "handled by echo"},
	}}
	network := NewNetwork("net", "Streams", router, WithAgents(sub))

	ch := make(chan StreamEvent)
	var result AgentResult
	var err error
	done := make(chan struct{})
	go func() {
		result, err = network.ExecuteStream(context.Background(), AgentTask{Input: "hi"}, ch)
		close(done)
	}()
	events := drainStream(ch)
	<-done

	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "handled by echo" {
		t.Errorf("Output = %q, want %q", result.Output, "handled by echo")
	}

	var sawStart, sawFinish bool
	for _, ev := range events {
		if ev.Type == EventAgentStart && ev.Name == "echo" {
			sawStart = true
		}
		if ev.Type == EventAgentFinish && ev.Name == "echo" {
			sawFinish = true
		}
	}
	if !sawStart || !sawFinish {
		t.Errorf("expected agent-start and agent-finish events for echo, got %+v", events)
	}
}

func TestNetworkStreamingInterfaceCompliance(t *testing.T) {
	network := NewNetwork("test", "test", &mockProvider{name: "test"})
	var _ StreamingAgent = network
}
