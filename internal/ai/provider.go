package ai

import (
	"context"
	"strings"
)

// Message is one role-tagged entry sent to a backend.
type Message struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}

// Usage carries token counters reported by a backend, when available.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Backend is one reply-generation service. Complete blocks until the backend
// returns the full reply text; usage may be nil when the backend does not
// report counters.
type Backend interface {
	// ID returns the backend kind identifier (e.g. "anthropic", "openai").
	ID() string
	// Complete sends the conversation and returns the generated text.
	Complete(ctx context.Context, system string, msgs []Message, temperature float64) (string, *Usage, error)
}

// ProviderError represents a structured error from a backend API.
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// ClassifyErrorReason buckets a backend error for logging and status output.
// Returns: "billing", "rate_limit", "auth", "timeout", or "other".
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}
	if pe, ok := err.(*ProviderError); ok {
		switch pe.Code {
		case "rate_limit_exceeded":
			return "rate_limit"
		case "authentication_error", "invalid_api_key", "unauthorized":
			return "auth"
		case "insufficient_quota", "billing_error", "payment_required":
			return "billing"
		}
		switch pe.Type {
		case "rate_limit_error":
			return "rate_limit"
		case "authentication_error":
			return "auth"
		}
	}

	msg := strings.ToLower(err.Error())
	match := func(patterns ...string) bool {
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
	switch {
	case match("billing", "quota", "payment", "credit", "spending limit"):
		return "billing"
	case match("rate limit", "rate_limit", "too many requests", "429", "throttl"):
		return "rate_limit"
	case match("authentication", "unauthorized", "api key", "401", "403", "forbidden"):
		return "auth"
	case match("timeout", "timed out", "deadline exceeded", "context canceled"):
		return "timeout"
	default:
		return "other"
	}
}

// truncateReason shortens an error message for aggregate failure reports.
func truncateReason(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "..."
}
