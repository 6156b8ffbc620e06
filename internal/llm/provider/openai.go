package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

func init() {
	RegisterFactory("openai", func(cfg Config) (Provider, error) {
		return NewOpenAIProvider(cfg)
	})
	RegisterFactory("azure", func(cfg Config) (Provider, error) {
		return NewAzureProvider(cfg)
	})
}

// ChatClient is the subset of the go-openai client the provider calls.
// Tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements Provider for the OpenAI chat completions API,
// including Azure OpenAI deployments.
type OpenAIProvider struct {
	name   string
	client ChatClient
	model  string
}

// NewOpenAIProvider creates a provider for api.openai.com or any
// OpenAI-compatible endpoint given in cfg.BaseURL.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)}

	return NewOpenAIProviderWithClient("openai", openai.NewClientWithConfig(clientCfg), cfg.Model), nil
}

// NewAzureProvider creates a provider for an Azure OpenAI resource. The
// model name doubles as the deployment name.
func NewAzureProvider(cfg Config) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("AZURE_OPENAI_API_KEY")
	}
	endpoint := cfg.AzureEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	}
	if apiKey == "" || endpoint == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT must be set")
	}

	clientCfg := openai.DefaultAzureConfig(apiKey, endpoint)
	if cfg.APIVersion != "" {
		clientCfg.APIVersion = cfg.APIVersion
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)}

	return NewOpenAIProviderWithClient("azure", openai.NewClientWithConfig(clientCfg), cfg.Model), nil
}

// NewOpenAIProviderWithClient wraps an existing chat client.
func NewOpenAIProviderWithClient(name string, client ChatClient, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{name: name, client: client, model: model}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// CreateStructured requests a JSON document matching req.ResponseSchema.
// With a schema the json_schema response format is used, otherwise
// json_object. The payload is checked to be well-formed JSON; validating it
// against the schema is left to the caller.
func (p *OpenAIProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	oReq := p.buildRequest(req.CompletionRequest)

	if len(req.ResponseSchema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		oReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: req.ResponseSchema,
				Strict: req.StrictSchema,
			},
		}
	} else {
		oReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, oReq)
	if err != nil {
		return nil, p.mapError(err)
	}

	compResp, err := p.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	if !json.Valid([]byte(compResp.Content)) {
		return nil, NewProviderError(p.name, ErrorCodeInvalidResponse, "response is not valid JSON", nil)
	}

	return &StructuredResponse{
		Data:               json.RawMessage(compResp.Content),
		CompletionResponse: *compResp,
	}, nil
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
}

func (p *OpenAIProvider) parseResponse(resp openai.ChatCompletionResponse) (*CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, ErrorCodeInvalidResponse, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, NewProviderError(p.name, ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}
	if choice.Message.Content == "" {
		msg := "empty response"
		if choice.Message.Refusal != "" {
			msg = "model refused: " + choice.Message.Refusal
		}
		return nil, NewProviderError(p.name, ErrorCodeInvalidResponse, msg, nil)
	}

	return &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// mapError converts go-openai errors into ProviderError values.
func (p *OpenAIProvider) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(p.name, ErrorCodeTimeout, "request timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.HTTPStatusCode)
		if apiErr.Code == "insufficient_quota" {
			code = ErrorCodeQuotaExceeded
		}
		return &ProviderError{
			Provider:      p.name,
			Code:          code,
			Message:       apiErr.Message,
			Type:          apiErr.Type,
			StatusCode:    apiErr.HTTPStatusCode,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code := codeForStatus(reqErr.HTTPStatusCode)
		return &ProviderError{
			Provider:      p.name,
			Code:          code,
			Message:       reqErr.Error(),
			StatusCode:    reqErr.HTTPStatusCode,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}

	// Transport failures never reached the API.
	return NewProviderError(p.name, ErrorCodeTimeout, err.Error(), err)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorCodeAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorCodeRateLimit
	case status == http.StatusBadRequest:
		return ErrorCodeInvalidRequest
	case status == http.StatusNotFound:
		return ErrorCodeModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorCodeTimeout
	case status >= 500:
		return ErrorCodeServerError
	}
	return ErrorCodeUnknown
}
