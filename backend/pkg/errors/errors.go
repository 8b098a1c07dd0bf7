package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeAuth represents an unauthenticated caller
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeParse represents a model response without a usable JSON object
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeMatch represents a malformed or out-of-range matching answer
	ErrorTypeMatch ErrorType = "match"
	// ErrorTypePersistence represents store conflicts and per-issue write failures
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeEnhancement represents optional value-add steps such as reflection prompts
	ErrorTypeEnhancement ErrorType = "enhancement"
	// ErrorTypeAgent represents agent/LLM-related errors
	ErrorTypeAgent ErrorType = "agent"
	// ErrorTypeGraph represents graph database errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// Kind reports the error category.
func (e *BaseError) Kind() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Refresh pipeline errors

// ErrAuthFailure is returned when a caller is not authenticated
type ErrAuthFailure struct {
	*BaseError
	Reason string
}

func NewAuthFailure(reason string, err error) *ErrAuthFailure {
	return &ErrAuthFailure{
		BaseError: NewBaseError(ErrorTypeAuth, "unauthorized", err),
		Reason:    reason,
	}
}

// ErrParseFailure is returned when a model response has no recognizable JSON
// object or the object fails schema validation. Raw holds the response text
// for diagnostics only.
type ErrParseFailure struct {
	*BaseError
	Reason string
	Raw    string
}

func NewParseFailure(reason, raw string, err error) *ErrParseFailure {
	return &ErrParseFailure{
		BaseError: NewBaseError(ErrorTypeParse, fmt.Sprintf("failed to parse model response: %s", reason), err),
		Reason:    reason,
		Raw:       raw,
	}
}

// ErrMatchAmbiguity is returned when a matching answer cannot be used
type ErrMatchAmbiguity struct {
	*BaseError
	Name  string
	Index int
}

func NewMatchAmbiguity(name string, index int, err error) *ErrMatchAmbiguity {
	return &ErrMatchAmbiguity{
		BaseError: NewBaseError(ErrorTypeMatch, fmt.Sprintf("unusable match for %q (index %d)", name, index), err),
		Name:      name,
		Index:     index,
	}
}

// ErrPersistenceConflict is returned when creating a canonical issue hits a
// uniqueness violation
type ErrPersistenceConflict struct {
	*BaseError
	Name string
}

func NewPersistenceConflict(name string, err error) *ErrPersistenceConflict {
	return &ErrPersistenceConflict{
		BaseError: NewBaseError(ErrorTypePersistence, fmt.Sprintf("canonical issue already exists: %s", name), err),
		Name:      name,
	}
}

// ErrPartialPersistenceFailure is returned when one issue's contribution could
// not be written
type ErrPartialPersistenceFailure struct {
	*BaseError
	IssueName string
	Step      string
}

func NewPartialPersistenceFailure(issueName, step string, err error) *ErrPartialPersistenceFailure {
	return &ErrPartialPersistenceFailure{
		BaseError: NewBaseError(ErrorTypePersistence, fmt.Sprintf("failed to %s for issue %q", step, issueName), err),
		IssueName: issueName,
		Step:      step,
	}
}

// ErrEnhancementFailure is returned when an optional step such as reflection
// prompt generation fails
type ErrEnhancementFailure struct {
	*BaseError
	Step string
}

func NewEnhancementFailure(step string, err error) *ErrEnhancementFailure {
	return &ErrEnhancementFailure{
		BaseError: NewBaseError(ErrorTypeEnhancement, fmt.Sprintf("enhancement failed: %s", step), err),
		Step:      step,
	}
}

// Agent Errors

// ErrAgentLLMFailed is returned when LLM request fails
type ErrAgentLLMFailed struct {
	*BaseError
	Model     string
	Attempts  int
	Retryable bool
}

func NewAgentLLMFailed(model string, attempts int, retryable bool, err error) *ErrAgentLLMFailed {
	return &ErrAgentLLMFailed{
		BaseError: NewBaseError(ErrorTypeAgent, fmt.Sprintf("LLM request failed after %d attempts", attempts), err),
		Model:     model,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// ErrAgentNoResponse is returned when LLM returns no response
var ErrAgentNoResponse = NewBaseError(ErrorTypeAgent, "no response from LLM", nil)

// Graph Errors

// ErrGraphConnectionFailed is returned when Neo4j connection fails
type ErrGraphConnectionFailed struct {
	*BaseError
	URI string
}

func NewGraphConnectionFailed(uri string, err error) *ErrGraphConnectionFailed {
	return &ErrGraphConnectionFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("failed to connect to Neo4j: %s", uri), err),
		URI:       uri,
	}
}

// ErrGraphQueryFailed is returned when a graph query fails
type ErrGraphQueryFailed struct {
	*BaseError
	Operation string
}

func NewGraphQueryFailed(operation string, err error) *ErrGraphQueryFailed {
	return &ErrGraphQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("query failed: %s", operation), err),
		Operation: operation,
	}
}

// Context Errors

// ErrContextTimeout is returned when context times out
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration, err error) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), err),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type kinded interface {
	Kind() ErrorType
}

// IsErrorType checks if an error, or anything it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if k, ok := err.(kinded); ok && k.Kind() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsErrorType(err, ErrorTypeAuth) || IsErrorType(err, ErrorTypeConfig) {
		return false
	}
	var llmErr *ErrAgentLLMFailed
	if stderrors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	// The refresh leaves its messages unprocessed, so the next attempt re-reads them
	if IsErrorType(err, ErrorTypeParse) {
		return true
	}
	if IsErrorType(err, ErrorTypeGraph) || IsErrorType(err, ErrorTypeContext) {
		return true
	}
	return false
}
