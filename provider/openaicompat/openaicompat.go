// Package openaicompat implements conductor.Provider and
// conductor.EmbeddingProvider for any OpenAI-compatible API: OpenAI itself,
// Groq, Together, DeepSeek, Mistral, Ollama, vLLM, and Gemini's
// compatibility endpoint all speak this wire format.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	conductor "github.com/sra/conductor"
)

// Provider is a chat provider speaking the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	name    string
	client  *http.Client

	temperature *float64
	topP        *float64
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported by Name().
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets nucleus sampling on every request.
func WithTopP(t float64) Option {
	return func(p *Provider) { p.topP = &t }
}

// WithHTTPClient overrides the HTTP client, for tests and custom transports.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates a provider for baseURL (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended.
func NewProvider(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		name:    "openai",
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// --- wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireToolDetails `json:"function"`
}

type wireToolDetails struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Tools          []wireTool      `json:"tools,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema wireJSONSchema `json:"json_schema"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) buildBody(req conductor.ChatRequest, tools []conductor.ToolDefinition) wireRequest {
	body := wireRequest{
		Model:       p.model,
		Temperature: p.temperature,
		TopP:        p.topP,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range tools {
		body.Tools = append(body.Tools, wireTool{
			Type:     "function",
			Function: wireToolDetails{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ResponseSchema != nil {
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: wireJSONSchema{Name: req.ResponseSchema.Name, Schema: req.ResponseSchema.Schema},
		}
	}
	return body
}

// Chat sends a non-streaming request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req conductor.ChatRequest) (conductor.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, nil))
}

// ChatWithTools sends a request carrying tool definitions; the response may
// contain tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req conductor.ChatRequest, tools []conductor.ToolDefinition) (conductor.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, tools))
}

func (p *Provider) doRequest(ctx context.Context, body wireRequest) (conductor.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("openaicompat: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return conductor.ChatResponse{}, &conductor.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	return parseResponse(wire)
}

func parseResponse(wire wireResponse) (conductor.ChatResponse, error) {
	if wire.Error != nil {
		return conductor.ChatResponse{}, &conductor.ErrLLM{Provider: "openaicompat", Message: wire.Error.Message}
	}
	if len(wire.Choices) == 0 {
		return conductor.ChatResponse{}, &conductor.ErrLLM{Provider: "openaicompat", Message: "no choices in response"}
	}

	msg := wire.Choices[0].Message
	out := conductor.ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conductor.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if wire.Usage != nil {
		out.Usage = conductor.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}
	}
	return out, nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. ch is closed before returning.
func (p *Provider) ChatStream(ctx context.Context, req conductor.ChatRequest, ch chan<- conductor.StreamEvent) (conductor.ChatResponse, error) {
	body := p.buildBody(req, nil)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		data, _ := io.ReadAll(resp.Body)
		return conductor.ChatResponse{}, &conductor.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}
	return streamSSE(ctx, resp.Body, ch)
}

// streamSSE reads an OpenAI SSE stream, forwarding text deltas and
// returning the accumulated response. Closes ch before returning.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- conductor.StreamEvent) (conductor.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var content strings.Builder
	var usage conductor.Usage

	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Usage != nil {
			usage = conductor.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- conductor.StreamEvent{Type: conductor.EventTextDelta, Content: delta.Content}:
			case <-ctx.Done():
				return conductor.ChatResponse{}, ctx.Err()
			}
		}
		for i, tc := range delta.ToolCalls {
			// Tool calls stream as indexed fragments; arguments accumulate.
			for len(toolCalls) <= i {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[i].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[i].name = tc.Function.Name
			}
			toolCalls[i].args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("openaicompat: read stream: %w", err)
	}

	out := conductor.ChatResponse{Content: content.String(), Usage: usage}
	for _, tc := range toolCalls {
		out.ToolCalls = append(out.ToolCalls, conductor.ToolCall{
			ID:   tc.id,
			Name: tc.name,
			Args: json.RawMessage(tc.args.String()),
		})
	}
	return out, nil
}

func (p *Provider) sendHTTP(ctx context.Context, body wireRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: HTTP request: %w", err)
	}
	return resp, nil
}
