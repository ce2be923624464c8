package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const summarizerSystemPrompt = "You are a conversation archivist. Condense the " +
	"conversation into a compact briefing that preserves facts, decisions, names, " +
	"preferences, and open threads. Reply with the briefing only."

const summarizerInstruction = "Summarize the conversation above."

// Reasoning models wrap their scratch work in think tags; the recap must not
// carry it.
var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Summarizer condenses transcript prefixes through a single designated
// backend at low temperature.
type Summarizer struct {
	backend     Backend
	temperature float64
	timeout     time.Duration
}

func NewSummarizer(backend Backend, temperature float64, timeout time.Duration) *Summarizer {
	if temperature <= 0 {
		temperature = 0.3
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Summarizer{backend: backend, temperature: temperature, timeout: timeout}
}

// Summarize returns the condensed text for the given turns, or an error when
// the backend fails or produces nothing usable. Callers treat an error as a
// signal to back off, not to retry immediately.
func (s *Summarizer) Summarize(ctx context.Context, msgs []Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := make([]Message, 0, len(msgs)+1)
	prompt = append(prompt, msgs...)
	prompt = append(prompt, Message{Role: "user", Content: summarizerInstruction})

	text, _, err := s.backend.Complete(cctx, summarizerSystemPrompt, prompt, s.temperature)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	text = strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
	if text == "" {
		return "", fmt.Errorf("summarize: backend returned empty text")
	}
	return text, nil
}
