package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Provider generates vector embeddings from text. A vector is only
// meaningful when compared against vectors produced by the same model,
// so every provider carries a model tag.
type Provider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// OpenAIProvider embeds text through the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a remote embedding provider. Construction
// fails when no API key is supplied; callers that configure an FTS
// fallback may run without a provider instead.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// NoopProvider produces deterministic pseudo-embeddings from token hashes.
// It stands in for a real provider when vector search is explicitly
// disabled, keeping the vector code path exercised without network calls.
type NoopProvider struct {
	dimension int
}

// NewNoopProvider creates a deterministic local provider.
func NewNoopProvider(dimension int) *NoopProvider {
	if dimension <= 0 {
		dimension = 64
	}
	return &NoopProvider{dimension: dimension}
}

func (p *NoopProvider) Model() string {
	return fmt.Sprintf("noop-%d", p.dimension)
}

func (p *NoopProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return p.embed(text), nil
}

func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = p.embed(t)
	}
	return vectors, nil
}

func (p *NoopProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%2000)/1000 - 1
	}
	return normalize(vec)
}

// normalize scales a vector to unit length.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
