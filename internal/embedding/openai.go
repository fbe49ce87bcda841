package embedding

import (
	"context"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/hyperjump/shirabe/pkg/utils"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	maxTokens  int
	retry      RetryConfig
}

// NewOpenAIEmbedder creates a client for model. baseURL may point at any compatible server.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions, maxTokens int) (*OpenAIEmbedder, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai: %w: no API key or base URL", ErrUnavailable)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		maxTokens:  maxTokens,
		retry:      DefaultRetryConfig(),
	}, nil
}

// Embed returns the embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, 0)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, maxLen int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if maxLen <= 0 {
		maxLen = e.maxTokens
	}
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = TruncateTokens(t, maxLen)
	}

	resp, err := retryWithBackoff(ctx, e.retry, func() (openai.EmbeddingResponse, error) {
		return e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      input,
			Model:      openai.EmbeddingModel(e.model),
			Dimensions: e.dimensions,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w: %v", ErrUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai: embedding has %d dimensions, want %d", len(d.Embedding), e.dimensions)
		}
		vec := make([]float32, len(d.Embedding))
		copy(vec, d.Embedding)
		utils.NormalizeL2(vec)
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the requested embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Model returns the remote model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Kind reports KindRemote.
func (e *OpenAIEmbedder) Kind() Kind { return KindRemote }

// Close is a no-op; the HTTP client holds no resources.
func (e *OpenAIEmbedder) Close() error { return nil }
