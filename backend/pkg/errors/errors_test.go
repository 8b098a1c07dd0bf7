package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsErrorType_Wrapped(t *testing.T) {
	parseErr := NewParseFailure("no JSON object found", "hello", nil)
	wrapped := fmt.Errorf("refresh aborted: %w", parseErr)

	assert.True(t, IsErrorType(wrapped, ErrorTypeParse))
	assert.False(t, IsErrorType(wrapped, ErrorTypeAuth))

	var target *ErrParseFailure
	assert.True(t, stderrors.As(wrapped, &target))
	assert.Equal(t, "hello", target.Raw)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth", NewAuthFailure("missing token", nil), false},
		{"parse", NewParseFailure("bad json", "", nil), true},
		{"llm retryable", NewAgentLLMFailed("m", 3, true, nil), true},
		{"llm permanent", NewAgentLLMFailed("m", 3, false, nil), false},
		{"graph", NewGraphQueryFailed("read", nil), true},
		{"config", NewConfigMissingRequired("JWT_SECRET"), false},
		{"plain", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestBaseError_Message(t *testing.T) {
	err := NewPersistenceConflict("Climate Action", stderrors.New("constraint"))
	assert.Equal(t, "[persistence] canonical issue already exists: Climate Action: constraint", err.Error())
}
