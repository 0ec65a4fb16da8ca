package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider implements interfaces.EmbeddingProvider against a local
// Ollama server, generalized from the teacher's embeddings.Service to a
// fixed, validated (model, dimensions) pair rather than a single global
// default.
type OllamaProvider struct {
	baseURL    string
	modelName  string
	dimensions int
	client     *http.Client
}

func NewOllamaProvider(baseURL, modelName string, dimensions int) *OllamaProvider {
	return &OllamaProvider{
		baseURL:    baseURL,
		modelName:  modelName,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OllamaProvider) ModelName() string { return p.modelName }
func (p *OllamaProvider) Dimensions() int   { return p.dimensions }

func (p *OllamaProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":  p.modelName,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/embeddings", p.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	if len(result.Embedding) != p.dimensions {
		return nil, fmt.Errorf("ollama returned %d dimensions, provider configured for %d", len(result.Embedding), p.dimensions)
	}
	return result.Embedding, nil
}
