// Package provider adapts external reasoning engines to a narrow,
// schema-driven completion contract.
package provider

import (
	"context"
	"encoding/json"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// CreateStructured creates a structured response constrained by a JSON schema
	CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error)

	// Name returns the provider name (e.g., "openai", "azure")
	Name() string
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// CompletionRequest carries the conversation and sampling settings shared by
// every request.
type CompletionRequest struct {
	// Messages is the conversation history
	Messages []Message `json:"messages"`

	// Model is the model to use (e.g., "gpt-4o")
	Model string `json:"model,omitempty"`

	// Temperature controls randomness (0.0-2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionResponse is the completion metadata returned with a structured
// payload.
type CompletionResponse struct {
	// Content is the generated text
	Content string `json:"content"`

	// FinishReason explains why generation stopped
	FinishReason string `json:"finish_reason"`

	// Usage contains token usage information
	Usage Usage `json:"usage"`

	// Model is the model that served the request
	Model string `json:"model,omitempty"`
}

// StructuredRequest represents a request for structured output
type StructuredRequest struct {
	CompletionRequest

	// SchemaName names the response schema (OpenAI requires one)
	SchemaName string `json:"schema_name,omitempty"`

	// ResponseSchema is the JSON Schema for the expected response
	ResponseSchema json.RawMessage `json:"response_schema"`

	// StrictSchema enables strict schema adherence (provider-dependent)
	StrictSchema bool `json:"strict_schema,omitempty"`
}

// StructuredResponse represents a structured response
type StructuredResponse struct {
	// Data is the raw structured payload
	Data json.RawMessage `json:"data"`

	// Raw completion response
	CompletionResponse
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Type          string `json:"type,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeQuotaExceeded   = "quota_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeInvalidResponse = "invalid_response"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableError(code),
	}
}

// isRetryableError determines if an error code is retryable
func isRetryableError(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}
