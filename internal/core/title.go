package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const titleSystemInstruction = "You are a helpful assistant that generates concise titles for student consultations. " +
	"The title should be 3-5 words maximum. Just return the title itself, nothing else."

// TitleGenerator names a consultation from its first question.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, basis string) (string, error)
}

// GatewayTitleGenerator asks the completion gateway for a short title with a
// non-streaming request.
type GatewayTitleGenerator struct {
	client *openai.Client
	model  string
}

func NewGatewayTitleGenerator(baseURL, apiKey, model string) *GatewayTitleGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &GatewayTitleGenerator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (g *GatewayTitleGenerator) GenerateTitle(ctx context.Context, basis string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a consultation that starts with: %q.", basis)},
		},
		MaxTokens:   20,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("title generation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("gateway did not generate a title (no choices)")
	}

	title := cleanTitle(resp.Choices[0].Message.Content)
	if title == "" {
		return "", fmt.Errorf("gateway generated an empty title")
	}
	return title, nil
}

func cleanTitle(s string) string {
	return strings.Trim(s, "\"'\n\r\t .")
}
