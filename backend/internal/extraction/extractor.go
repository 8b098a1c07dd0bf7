package extraction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/issues"
	"nexo/backend/pkg/logger"
)

const analysisMaxTokens = 4096

// AnalysisPrompt is the system prompt for the extraction call. It fixes the
// JSON shape Parse expects.
const AnalysisPrompt = `You analyze political conversations for Nexo. The transcript is a debate between a user and an AI sparring partner that deliberately argues the other side.

Consider ONLY what the USER said. The assistant's arguments are not the user's views.

Return a single JSON object of this shape:

{
  "issues": [
    {
      "name": "a general, aggregatable issue name such as 'Housing affordability' or 'AI regulation in hiring' (not 'my landlord in Leeds')",
      "stance": "one or two sentences summarising the user's position",
      "intensity": 0.0 to 1.0 (0.2 passing mention, 0.5 clear opinion, 0.8 passionate, 1.0 core conviction),
      "confidence": "low" | "medium" | "high" (low: vague single mention, medium: some reasoning, high: consistent argument with specifics),
      "quotes": ["up to 3 verbatim user quotes supporting the stance"]
    }
  ],
  "connections": [
    {
      "issue_a": "an issue name from the issues list above",
      "issue_b": "another issue name from the issues list above",
      "type": "co_occurrence" | "causal",
      "evidence": "short explanation of why the user links them"
    }
  ]
}

Rules:
- Extract only views the user actually expressed; never infer unstated positions.
- Names must be broad enough to merge across users and specific enough to mean something.
- Use "causal" only when the user explicitly argued one issue drives the other.
- Quotes must be copied verbatim from the user's messages.
- If the user expressed no political views, return empty lists.

Respond with the JSON object only.`

// Generator is the slice of the LLM adapter the extractor needs.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*adapter.Response, error)
}

// Extractor runs the extraction call for one batch of turns.
type Extractor struct {
	llm    Generator
	logger *zap.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(llm Generator) *Extractor {
	return &Extractor{
		llm:    llm,
		logger: logger.Named("extraction"),
	}
}

// FormatTranscript renders turns as role-tagged blocks in the given order.
func FormatTranscript(messages []issues.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("[%s]: %s", strings.ToUpper(m.Role), m.Content))
	}
	return strings.Join(parts, "\n\n")
}

// Extract sends the whole batch in one call and parses the answer. Model
// failures are returned as-is; an unusable answer is an ErrParseFailure.
func (e *Extractor) Extract(ctx context.Context, messages []issues.Message) (*Result, error) {
	userMsg := "Here is the conversation to analyze:\n\n" + FormatTranscript(messages)

	resp, err := e.llm.Generate(ctx, AnalysisPrompt, userMsg, analysisMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to run extraction: %w", err)
	}

	result, err := Parse(resp.Content)
	if err != nil {
		e.logger.Error("Failed to parse analysis response",
			zap.Int("messages", len(messages)),
			zap.String("response", resp.Content),
			zap.Error(err),
		)
		return nil, err
	}

	e.logger.Debug("Extraction completed",
		zap.Int("messages", len(messages)),
		zap.Int("issues", len(result.Issues)),
		zap.Int("connections", len(result.Connections)),
	)
	return result, nil
}
