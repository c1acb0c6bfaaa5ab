// ABOUTME: Chat Completions client that sends one prompt to an OpenAI-compatible endpoint.
// ABOUTME: Returns the first choice's message content or a typed CallError; never retries on its own.

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config describes how to reach the model endpoint.
type Config struct {
	// BaseURL is the API root; a trailing /chat/completions is accepted and trimmed.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Caller sends prompts to a chat-completions endpoint.
type Caller struct {
	client openai.Client
}

// NewCaller builds a Caller. The SDK's own retries are disabled because retry
// policy belongs to the step attempt runner.
func NewCaller(cfg Config) *Caller {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := NormalizeBaseURL(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Caller{client: openai.NewClient(opts...)}
}

// Call sends a single-message conversation and returns the reply text. The
// call is bounded only by ctx; the attempt runner sets the per-call deadline.
func (c *Caller) Call(ctx context.Context, model, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &CallError{
				Kind:       KindHTTP,
				Model:      model,
				StatusCode: apiErr.StatusCode,
				Body:       apiErrorBody(apiErr),
				Cause:      err,
			}
		}
		return "", classifyTransport(model, err)
	}

	if len(resp.Choices) == 0 {
		return "", &CallError{Kind: KindMalformed, Model: model, Message: "empty choices in API response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// NormalizeBaseURL trims whitespace, trailing slashes, and a trailing
// /chat/completions so a full endpoint URL can be used as the base.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	if base == "" {
		return ""
	}
	return base + "/"
}

func apiErrorBody(apiErr *openai.Error) string {
	if raw := strings.TrimSpace(apiErr.RawJSON()); raw != "" {
		return raw
	}
	return apiErr.Message
}
