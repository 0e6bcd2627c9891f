package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"courseportal.dev/consult/internal/apperr"
)

// Embedder turns text into a vector with a hosted model. Embed failures are
// reported as apperr.KindEmbeddingUnavailable and are never retried.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ready(ctx context.Context) error
	Close() error
}

var errMissingKey = errors.New("embedding credential is not configured")

// GeminiEmbedder calls the Gemini embedding model through generative-ai-go.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

// NewGeminiEmbedder builds the client. With an empty apiKey it returns an
// embedder whose every call fails with EmbeddingUnavailable, so retrieval
// degrades instead of the process refusing to start.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*GeminiEmbedder, error) {
	e := &GeminiEmbedder{model: model, logger: logger}
	if apiKey == "" {
		logger.Warn().Msg("GEMINI_API_KEY not set, retrieval will be unavailable")
		return e, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	e.client = client
	return e, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.client == nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, "gemini embedder", errMissingKey)
	}

	res, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, "gemini embedding request failed", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, apperr.New(apperr.KindEmbeddingUnavailable, "no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (e *GeminiEmbedder) Ready(ctx context.Context) error {
	if e.client == nil {
		return errMissingKey
	}
	return nil
}

func (e *GeminiEmbedder) Close() error {
	if e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("failed to close GenAI client: %w", err)
	}
	e.logger.Info().Msg("GenAI client closed")
	return nil
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint, normally the
// same gateway that serves completions.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(baseURL, apiKey, model string) *OpenAIEmbedder {
	e := &OpenAIEmbedder{model: model}
	if apiKey == "" {
		return e
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.client == nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, "openai embedder", errMissingKey)
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, "embedding request failed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, apperr.New(apperr.KindEmbeddingUnavailable, "no embedding data received")
	}
	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) Ready(ctx context.Context) error {
	if e.client == nil {
		return errMissingKey
	}
	return nil
}

func (e *OpenAIEmbedder) Close() error { return nil }
