package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	conductor "github.com/sra/conductor"
)

// Embedding is an EmbeddingProvider speaking the OpenAI embeddings API.
type Embedding struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	dimensions int
	client     *http.Client
}

// NewEmbedding creates an embedding provider for baseURL; the /embeddings
// path is appended.
func NewEmbedding(apiKey, model, baseURL string, dimensions int) *Embedding {
	return &Embedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		name:       "openai",
		dimensions: dimensions,
		client:     &http.Client{},
	}
}

func (e *Embedding) Name() string    { return e.name }
func (e *Embedding) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions int      `json:"dimensions,omitempty"`
	}{Model: e.model, Input: texts, Dimensions: e.dimensions}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: embed request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &conductor.ErrHTTP{Status: resp.StatusCode, Body: string(respData)}
	}

	var wire struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respData, &wire); err != nil {
		return nil, fmt.Errorf("openaicompat: decode embed response: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range wire.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
