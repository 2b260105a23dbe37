package conductor

import (
	"context"
	"encoding/json"
	"errors"
)

// --- Tool mocks (shared across the package's tests) ---

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type mockToolCalc struct{}

func (m mockToolCalc) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "calc", Description: "Calculate"}}
}
func (m mockToolCalc) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "result from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}
func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// callbackProvider captures ChatRequest via onChat callback for assertions.
type callbackProvider struct {
	name     string
	response ChatResponse
	onChat   func(ChatRequest)
}

func (c *callbackProvider) Name() string { return c.name }
func (c *callbackProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, nil
}
func (c *callbackProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, nil
}
func (c *callbackProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, nil
}

// contextReadingTool is a tool that captures context in Execute for testing.
type contextReadingTool struct {
	onExecute func(ctx context.Context)
}

func (t *contextReadingTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "ctx_reader", Description: "Reads context"}}
}
func (t *contextReadingTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	if t.onExecute != nil {
		t.onExecute(ctx)
	}
	return ToolResult{Content: "ok"}, nil
}

// mockProvider returns responses in sequence, one per Chat/ChatWithTools/ChatStream
// call, looping back to the last response once exhausted. ChatStream emits the
// response content as a single text-delta event before returning.
type mockProvider struct {
	name      string
	responses []ChatResponse
	calls     int
	lastReq   ChatRequest
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) next() ChatResponse {
	if len(m.responses) == 0 {
		return ChatResponse{}
	}
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i]
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.lastReq = req
	return m.next(), nil
}

func (m *mockProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	m.lastReq = req
	return m.next(), nil
}

func (m *mockProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	m.lastReq = req
	resp := m.next()
	if resp.Content != "" {
		ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
	}
	return resp, nil
}

// stubAgent is a minimal Agent whose Execute delegates to fn, used as a
// Network subagent in tests.
type stubAgent struct {
	name string
	desc string
	fn   func(AgentTask) (AgentResult, error)
}

func (s *stubAgent) Name() string        { return s.name }
func (s *stubAgent) Description() string { return s.desc }
func (s *stubAgent) Execute(_ context.Context, task AgentTask) (AgentResult, error) {
	return s.fn(task)
}

// stubConversationStore is an in-memory ConversationStore for tests that
// only need to verify wiring, not retrieval semantics.
type stubConversationStore struct {
	messages []Message
	searchFn func(ctx context.Context, embedding []float32, limit int) ([]ScoredMessage, error)
}

func (s *stubConversationStore) StoreMessage(_ context.Context, msg Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubConversationStore) GetMessages(_ context.Context, threadID string, limit int) ([]Message, error) {
	var out []Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *stubConversationStore) SearchMessages(ctx context.Context, embedding []float32, limit int) ([]ScoredMessage, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, embedding, limit)
	}
	return nil, nil
}

// stubEmbedding is a deterministic EmbeddingProvider for tests: it returns a
// single-dimension vector equal to the length of the input text.
type stubEmbedding struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (s *stubEmbedding) Name() string    { return "stub-embedding" }
func (s *stubEmbedding) Dimensions() int { return 1 }

func (s *stubEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.embedFn != nil {
		return s.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type multiTool struct{}

func (m multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}
func (m multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}
