package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/metrics"
)

// CompletionGateway opens a streaming chat completion. On success the caller
// owns the returned body, which carries the raw SSE bytes.
type CompletionGateway interface {
	StreamCompletion(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error)
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// HTTPGateway talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPGateway builds the gateway client. The http.Client has no timeout;
// the request context bounds the stream.
func NewHTTPGateway(baseURL, apiKey, model string, logger zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (g *HTTPGateway) StreamCompletion(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	if g.apiKey == "" {
		return nil, apperr.New(apperr.KindInternal, "gateway API key is not configured")
	}

	payload, err := json.Marshal(completionRequest{Model: g.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "completion request failed", err)
	}
	metrics.UpstreamStatusTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		g.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", strings.TrimSpace(string(body))).
			Msg("completion gateway returned an error")
		return nil, apperr.FromUpstreamStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

var _ CompletionGateway = (*HTTPGateway)(nil)
