package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/carepath/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider so every engine call gets a span
// carrying model, latency and token usage.
type InstrumentedProvider struct {
	provider Provider
}

// NewInstrumentedProvider wraps a provider with tracing
func NewInstrumentedProvider(provider Provider) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider}
}

// CreateStructured creates a structured response with automatic instrumentation
func (p *InstrumentedProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	attrs := requestAttributes(p.provider.Name(), request.CompletionRequest)
	attrs = append(attrs,
		attribute.String("llm.schema_name", request.SchemaName),
		attribute.Bool("llm.strict_schema", request.StrictSchema),
	)
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.structured", p.provider.Name()),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	response, err := p.provider.CreateStructured(ctx, request)
	finish(span, start, err)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(usageAttributes(&response.CompletionResponse)...)
	return response, nil
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

func requestAttributes(name string, request CompletionRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("llm.provider", name),
		attribute.String("llm.model", request.Model),
		attribute.Float64("llm.temperature", request.Temperature),
		attribute.Int("llm.max_tokens", request.MaxTokens),
		attribute.Int("llm.messages_count", len(request.Messages)),
	}
}

func usageAttributes(response *CompletionResponse) []attribute.KeyValue {
	if response == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
		attribute.String("llm.finish_reason", response.FinishReason),
	}
}

func finish(span trace.Span, start time.Time, err error) {
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if pe, ok := err.(*ProviderError); ok {
		span.SetAttributes(
			attribute.String("llm.error_code", pe.Code),
			attribute.Bool("llm.retryable", pe.IsRetryable),
		)
	}
	observability.RecordError(span, err)
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return NewInstrumentedProvider(provider)
}
