// Package llm wraps the text-generation service used for scoring and drafting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Request is a single chat completion call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Completion is the generated content with the token counts used for pricing.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the interface for text-generation services.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider. An empty endpoint uses api.openai.com.
func NewOpenAIProvider(apiKey, endpoint string, timeout time.Duration) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		clientConfig.BaseURL = endpoint
	}
	if timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientConfig)}
}

// Complete sends the request and returns the first choice with usage counts.
func (o *OpenAIProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			log.Printf("[ERROR] llm api error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return Completion{}, fmt.Errorf("llm request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("no choices in llm response")
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
