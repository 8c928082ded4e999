package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the endpoint for compatible providers (Ollama,
	// SiliconFlow, DashScope, ...).
	BaseURL    string
	Model      string
	Dimensions int
}

// OpenAI embeds text through the /embeddings endpoint.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAI creates a provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedder: model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedder: invalid dimensions %d", cfg.Dimensions)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in one request.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedder: no texts provided")
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmptyResponse, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedder: response index %d out of range", d.Index)
		}
		if len(d.Embedding) != o.dimensions {
			return nil, fmt.Errorf("embedder: got %d dimensions, want %d", len(d.Embedding), o.dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions implements Embedder.
func (o *OpenAI) Dimensions() int { return o.dimensions }

// Model implements Embedder.
func (o *OpenAI) Model() string { return o.model }
