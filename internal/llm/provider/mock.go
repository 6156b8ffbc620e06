package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockReply is one scripted answer: raw JSON data or an error.
type MockReply struct {
	Data json.RawMessage
	Err  error
}

// MockProvider is a scripted Provider for tests. Structured replies are
// queued per schema name so a test can script each workflow stage
// independently.
type MockProvider struct {
	name string

	mu              sync.Mutex
	structured      map[string][]MockReply
	StructuredCalls []StructuredRequest
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:       name,
		structured: make(map[string][]MockReply),
	}
}

// Script queues replies for requests whose SchemaName is schema.
// Values that are not json.RawMessage or error are marshalled.
func (m *MockProvider) Script(schema string, replies ...any) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range replies {
		m.structured[schema] = append(m.structured[schema], toReply(r))
	}
	return m
}

func toReply(r any) MockReply {
	switch v := r.(type) {
	case error:
		return MockReply{Err: v}
	case json.RawMessage:
		return MockReply{Data: v}
	case MockReply:
		return v
	}
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal mock data: %v", err))
	}
	return MockReply{Data: data}
}

// CreateStructured implements Provider
func (m *MockProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StructuredCalls = append(m.StructuredCalls, request)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queue := m.structured[request.SchemaName]
	if len(queue) == 0 {
		return nil, NewProviderError(m.name, ErrorCodeInvalidRequest,
			fmt.Sprintf("no scripted reply for schema %q", request.SchemaName), nil)
	}
	reply := queue[0]
	m.structured[request.SchemaName] = queue[1:]
	if reply.Err != nil {
		return nil, reply.Err
	}

	return &StructuredResponse{
		Data:               reply.Data,
		CompletionResponse: *mockCompletion(string(reply.Data)),
	}, nil
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// Calls returns a copy of the structured requests seen so far.
func (m *MockProvider) Calls() []StructuredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StructuredRequest(nil), m.StructuredCalls...)
}

// CallsFor counts structured requests made against schema.
func (m *MockProvider) CallsFor(schema string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.StructuredCalls {
		if c.SchemaName == schema {
			n++
		}
	}
	return n
}

// Pending reports how many scripted structured replies are unused.
func (m *MockProvider) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.structured {
		n += len(q)
	}
	return n
}

func mockCompletion(content string) *CompletionResponse {
	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: len(content) / 4, // Rough token estimate
			TotalTokens:      10 + len(content)/4,
		},
	}
}
