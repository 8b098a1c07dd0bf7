package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nexo/backend/internal/metrics"
	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

const (
	defaultMaxRetries  = 3
	defaultTemperature = 0.2
)

// LLMAdapter handles communication with the LLM via LiteLLM
type LLMAdapter struct {
	client     *openai.Client
	model      string
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// Response represents the LLM's response
type Response struct {
	Content      string
	FinishReason string
}

// NewLLMAdapter creates a new LLM adapter. requestsPerSecond <= 0 disables
// client-side throttling.
func NewLLMAdapter(baseURL, apiKey, modelID string, requestsPerSecond float64) *LLMAdapter {
	// For LiteLLM, we can use a dummy API key if not provided
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &LLMAdapter{
		client:     openai.NewClientWithConfig(config),
		model:      modelID,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: defaultMaxRetries,
		backoff:    time.Second,
		logger:     logger.Named("llm"),
	}
}

// Model returns the model identifier requests are sent to
func (a *LLMAdapter) Model() string {
	return a.model
}

// Generate sends one system+user exchange and returns the first choice's text.
func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMsg,
	})

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: defaultTemperature,
	}

	// Retry logic with linear backoff
	var resp openai.ChatCompletionResponse
	var err error
	attempts := 0
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		attempts++
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, apperrors.NewContextTimeout("llm generate", backoff, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if werr := a.limiter.Wait(ctx); werr != nil {
			return nil, fmt.Errorf("rate limiter: %w", werr)
		}

		start := time.Now()
		resp, err = a.client.CreateChatCompletion(ctx, req)
		metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.LLMRequests.WithLabelValues("ok").Inc()
			break
		}
		metrics.LLMRequests.WithLabelValues("error").Inc()

		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", a.model),
		)

		if !isTransient(err) {
			break
		}
	}

	if err != nil {
		return nil, apperrors.NewAgentLLMFailed(a.model, attempts, isTransient(err), err)
	}

	if len(resp.Choices) == 0 {
		return nil, apperrors.ErrAgentNoResponse
	}

	choice := resp.Choices[0]
	response := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}

	a.logger.Debug("LLM response generated",
		zap.String("model", a.model),
		zap.Int("content_length", len(response.Content)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return response, nil
}

// isTransient reports whether a failed request is worth repeating. Client
// errors other than rate limiting are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	// Transport failures and non-JSON proxy errors
	return true
}
