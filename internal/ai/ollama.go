package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaBackend talks to a local Ollama server through the official client.
type OllamaBackend struct {
	client *api.Client
	model  string
}

func NewOllamaBackend(baseURL, model string) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Minute, // Local inference can be slow
	}
	return &OllamaBackend{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

func (b *OllamaBackend) ID() string {
	return "ollama"
}

func (b *OllamaBackend) Complete(ctx context.Context, system string, msgs []Message, temperature float64) (string, *Usage, error) {
	messages := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    b.model,
		Messages: messages,
		Stream:   &stream,
	}
	if temperature > 0 {
		req.Options = map[string]any{"temperature": temperature}
	}

	var sb strings.Builder
	var usage *Usage
	err := b.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		if resp.Done {
			usage = &Usage{
				PromptTokens:     int64(resp.PromptEvalCount),
				CompletionTokens: int64(resp.EvalCount),
				TotalTokens:      int64(resp.PromptEvalCount + resp.EvalCount),
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("ollama completion: %w", err)
	}
	return sb.String(), usage, nil
}
