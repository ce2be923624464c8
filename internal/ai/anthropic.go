package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// AnthropicBackend talks to the Anthropic messages API through the official
// SDK.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

func NewAnthropicBackend(apiKey, model string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (b *AnthropicBackend) ID() string {
	return "anthropic"
}

func (b *AnthropicBackend) Complete(ctx context.Context, system string, msgs []Message, temperature float64) (string, *Usage, error) {
	messages, extraSystem := b.buildMessages(msgs)
	if extraSystem != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extraSystem
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	usage := &Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return sb.String(), usage, nil
}

// buildMessages converts to Anthropic params. The API keeps system content
// out of the message list, so transcript-embedded system turns (condensation
// recaps) are folded into the returned system string.
func (b *AnthropicBackend) buildMessages(msgs []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			// Empty text blocks are rejected by the API.
			continue
		}
		switch m.Role {
		case "assistant":
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		case "system":
			systemParts = append(systemParts, m.Content)
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, strings.Join(systemParts, "\n\n")
}
