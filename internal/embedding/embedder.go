// Package embedding converts text into fixed-dimension vectors, via a hosted
// OpenAI-compatible embedding API when credentials are present, or a
// deterministic hash-based fallback otherwise. The fallback keeps the whole
// indexing pipeline exercisable in tests and credential-free deployments.
package embedding

import (
	"context"
	"crypto/sha256"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stackdocs/indexer/internal/apperr"
)

const (
	// HostedDimension is the vector size of text-embedding-3-small.
	HostedDimension = 1536

	// FallbackDimension is the vector size of the deterministic fallback.
	FallbackDimension = 768
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	IsConfigured() bool
}

// Client implements Embedder against an OpenAI-compatible endpoint, with
// exponential backoff on rate limit errors. Without an API key it degrades to
// the deterministic fallback.
type Client struct {
	api        *openai.Client
	model      string
	configured bool
}

// Config holds embedding API settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient builds an embedding client. A missing API key is not an error;
// the client falls back to deterministic pseudo-embeddings.
func NewClient(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	c := &Client{model: model}
	if cfg.APIKey == "" {
		return c
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	api := openai.NewClient(opts...)
	c.api = &api
	c.configured = true
	return c
}

// IsConfigured reports whether a hosted API key is present.
func (c *Client) IsConfigured() bool { return c.configured }

// Dimension returns the vector size produced by EmbedText.
func (c *Client) Dimension() int {
	if c.configured {
		return HostedDimension
	}
	return FallbackDimension
}

// EmbedText embeds a single text. Rate limit errors (429) are retried with
// exponential backoff; other non-2xx responses surface as UpstreamError.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if !c.configured {
		return DeterministicEmbedding(text), nil
	}

	var embedding []float32

	operation := func() error {
		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: []string{text},
			},
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				if apiErr.StatusCode == 429 {
					return err // retried with backoff
				}
				return backoff.Permanent(apperr.Upstream("embedding api", apiErr.StatusCode, err))
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return backoff.Permanent(apperr.ErrMalformedResponse)
		}
		embedding = toFloat32(resp.Data[0].Embedding)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return embedding, nil
}

// EmbedTexts embeds texts sequentially; the hosted endpoint is called once per
// text. Callers needing throughput bound their own concurrency around
// EmbedText instead.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		embedding, err := c.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, embedding)
	}
	return embeddings, nil
}

// DeterministicEmbedding hashes text and scatters the digest bytes additively
// across a FallbackDimension vector by index modulo, then L2-normalizes. The
// same text always yields the same unit vector.
func DeterministicEmbedding(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	vector := make([]float32, FallbackDimension)

	for i, b := range digest {
		vector[i%FallbackDimension] += float32(b) / 255
	}

	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return vector
	}

	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
	return vector
}

func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
