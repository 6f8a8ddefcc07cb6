package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openaiClient struct {
	chat *openaisdk.ChatCompletionService
}

func newOpenAIClient(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openaisdk.NewClient(opts...)
	return &openaiClient{chat: &client.Chat.Completions}, nil
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: openaiMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai completion: empty choices")
	}

	choice := completion.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		StopReason:   choice.FinishReason,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func openaiMessages(req Request) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		out = append(out, openaisdk.SystemMessage(sys))
	}
	for _, msg := range req.Messages {
		if strings.EqualFold(msg.Role, "assistant") {
			out = append(out, openaisdk.AssistantMessage(msg.Content))
			continue
		}
		out = append(out, openaisdk.UserMessage(msg.Content))
	}
	return out
}
