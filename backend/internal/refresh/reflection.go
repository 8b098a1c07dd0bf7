package refresh

import (
	"context"
	"fmt"
	"strings"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/extraction"
)

const reflectionMaxTokens = 256

const reflectionSystemPrompt = `You help people think harder about their own political views. Given positions a user just expressed, write ONE reflection question of one or two sentences. Point at a tension, a hidden assumption or a connection they may have missed, and make it specific to their actual views rather than generic.

Return only the question.`

// Generator is the slice of the LLM adapter the reflector needs.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*adapter.Response, error)
}

// Reflector produces a follow-up question from a batch's positions.
type Reflector interface {
	Reflect(ctx context.Context, positions []extraction.ExtractedIssue) (string, error)
}

// LLMReflector asks the model for the question.
type LLMReflector struct {
	llm Generator
}

// NewLLMReflector creates a new reflector
func NewLLMReflector(llm Generator) *LLMReflector {
	return &LLMReflector{llm: llm}
}

// FormatPositions renders one "name: stance" line per issue.
func FormatPositions(positions []extraction.ExtractedIssue) string {
	lines := make([]string, 0, len(positions))
	for _, p := range positions {
		lines = append(lines, p.Name+": "+p.Stance)
	}
	return strings.Join(lines, "\n")
}

// Reflect returns the trimmed question, or "" when the model said nothing.
func (r *LLMReflector) Reflect(ctx context.Context, positions []extraction.ExtractedIssue) (string, error) {
	if len(positions) == 0 {
		return "", nil
	}
	userMsg := "Positions the user just expressed:\n\n" + FormatPositions(positions)

	resp, err := r.llm.Generate(ctx, reflectionSystemPrompt, userMsg, reflectionMaxTokens)
	if err != nil {
		return "", fmt.Errorf("failed to generate reflection: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
