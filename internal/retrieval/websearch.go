package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webSectionTitle = "Web Search Results"

type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearcher queries a hosted search API that accepts {"query","limit"} and
// answers {"results":[{"title","url","snippet"}]}.
type WebSearcher struct {
	endpoint   string
	apiKey     string
	limit      int
	httpClient *http.Client
}

func NewWebSearcher(endpoint, apiKey string, limit int) *WebSearcher {
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	return &WebSearcher{
		endpoint:   endpoint,
		apiKey:     apiKey,
		limit:      limit,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebSearcher) Search(ctx context.Context, query string) ([]WebResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.WebSearch")
	defer span.End()

	payload, err := json.Marshal(map[string]any{"query": query, "limit": w.limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Results []WebResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(out.Results) > w.limit {
		out.Results = out.Results[:w.limit]
	}
	return out.Results, nil
}

// FormatWebResults renders results as a context section, or "" when empty.
func FormatWebResults(results []WebResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## ")
	b.WriteString(webSectionTitle)
	for _, r := range results {
		b.WriteString("\n\n### ")
		b.WriteString(r.Title)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(r.Snippet))
		if r.URL != "" {
			b.WriteString("\nSource: ")
			b.WriteString(r.URL)
		}
	}
	return b.String()
}
