package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

// OpenAIDriver implements ProviderDriver for OpenAI-compatible chat
// completion APIs (OpenAI itself, and any Azure/OpenRouter-style proxy
// that speaks the same wire format). Grounded on
// internal/embeddings/openai.go's HTTP client shape, adapted from
// embeddings to chat completions with structured-output support. The
// outbound call is wrapped in a circuit breaker that trips after a
// sustained failure rate, so a degraded upstream fails fast instead of
// queuing every reply behind a full request timeout.
type OpenAIDriver struct {
	apiKey   string
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewOpenAIDriver(apiKey string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:   apiKey,
		endpoint: "https://api.openai.com/v1/chat/completions",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-chat",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type OpenAIOption func(*OpenAIDriver)

func WithChatEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

func (d *OpenAIDriver) Kind() string { return "openai" }

type chatCompletionRequest struct {
	Model             string                 `json:"model"`
	Messages          []models.ChatMessage   `json:"messages"`
	Temperature       *float64               `json:"temperature,omitempty"`
	MaxTokens         *int                   `json:"max_tokens,omitempty"`
	MaxCompletionToks *int                   `json:"max_completion_tokens,omitempty"`
	ResponseFormat    map[string]interface{} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
	} `json:"error,omitempty"`
}

// Call places one chat-completion request against the already-resolved
// model on req.Model.
func (d *OpenAIDriver) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	model := req.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	body := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	if schema, ok := structuredSchemas[req.SchemaKey]; ok {
		body.ResponseFormat = schema
	}
	if req.MaxTokens != nil {
		// always sent as max_tokens: a learned
		// requires_max_completion_tokens flag does not switch it to
		// max_completion_tokens.
		body.MaxTokens = req.MaxTokens
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.client.Do(httpReq)
	})
	if err != nil {
		return nil, apperrors.New(apperrors.KindUpstreamTimeout, "openai.Call", err.Error(), err)
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.KindUpstreamRateLimited, "openai.Call", errMessage(parsed), nil)
	}
	if resp.StatusCode == http.StatusBadRequest && parsed.Error != nil && isParamCompatError(parsed.Error.Message, parsed.Error.Param) {
		return nil, apperrors.New(apperrors.KindProviderParamUnsupported, "openai.Call", parsed.Error.Message, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindUpstreamTimeout, "openai.Call", errMessage(parsed), nil)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.New(apperrors.KindSchemaMismatch, "openai.Call", "no choices returned", nil)
	}
	if parsed.Choices[0].Message.Refusal != "" {
		return nil, apperrors.New(apperrors.KindSchemaMismatch, "openai.Call", parsed.Choices[0].Message.Refusal, nil)
	}

	usage := models.TokenUsage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	usage.EstimatedCostUSD = estimateCostUSD(parsed.Model, usage.PromptTokens, usage.CompletionTokens)

	return &models.RouteResponse{
		Content:  parsed.Choices[0].Message.Content,
		Model:    parsed.Model,
		Provider: d.Kind(),
		Usage:    usage,
	}, nil
}

// perMTokCost holds USD cost per million tokens for models this driver is
// expected to see in model_routing tabs. A model absent from the table
// estimates at zero rather than failing the call.
var perMTokCost = map[string]struct{ prompt, completion float64 }{
	"gpt-4o":           {2.50, 10.00},
	"gpt-4o-mini":      {0.15, 0.60},
	"gpt-4.1":          {2.00, 8.00},
	"gpt-4.1-mini":     {0.40, 1.60},
	"gpt-4.1-nano":     {0.10, 0.40},
	"o3-mini":          {1.10, 4.40},
}

func estimateCostUSD(model string, promptTokens, completionTokens int) float64 {
	rate, ok := perMTokCost[model]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*rate.prompt + float64(completionTokens)*rate.completion) / 1_000_000
}

func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Call(ctx, &models.RouteRequest{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
	})
	return err
}

func errMessage(r chatCompletionResponse) string {
	if r.Error != nil {
		return r.Error.Message
	}
	return "unknown upstream error"
}

// isParamCompatError recognizes the two parameter-compat failure shapes
// classifyParamError learns from: unsupported temperature and the
// max_tokens/max_completion_tokens split some newer models enforce.
func isParamCompatError(message, param string) bool {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "unsupported parameter") {
		return true
	}
	if param == "temperature" || param == "max_tokens" {
		return true
	}
	return false
}

// structuredSchemas maps the schemaKey values used throughout the reply
// pipeline to OpenAI's response_format json_schema payloads. Not a
// general schema-versioning table — this repo keeps exactly the schemas
// its own callers use.
var structuredSchemas = map[string]map[string]interface{}{
	"tania_reply": {
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "tania_reply",
			"strict": true,
			"schema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"response":   map[string]interface{}{"type": "string"},
					"confidence": map[string]interface{}{"type": "number"},
				},
				"required":             []string{"response", "confidence"},
				"additionalProperties": false,
			},
		},
	},
	"conversation_analysis": {
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "conversation_analysis",
			"strict": true,
			"schema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"intent":        map[string]interface{}{"type": "string"},
					"frustration":   map[string]interface{}{"type": "integer"},
					"loop_detected": map[string]interface{}{"type": "boolean"},
					"strategy":      map[string]interface{}{"type": "string"},
					"data_needs":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required":             []string{"intent", "frustration", "loop_detected", "strategy", "data_needs"},
				"additionalProperties": false,
			},
		},
	},
	"validator_verdict": {
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "validator_verdict",
			"strict": true,
			"schema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"verdict":               map[string]interface{}{"type": "string"},
					"revision_instructions": map[string]interface{}{"type": "string"},
				},
				"required":             []string{"verdict"},
				"additionalProperties": false,
			},
		},
	},
	"conversation_summary": {
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "conversation_summary",
			"strict": true,
			"schema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary":            map[string]interface{}{"type": "string"},
					"primary_intent":     map[string]interface{}{"type": "string"},
					"resolution_status":  map[string]interface{}{"type": "string"},
					"sentiment":          map[string]interface{}{"type": "string"},
					"products_mentioned": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"extracted_facts": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"fact_type":  map[string]interface{}{"type": "string"},
								"fact_key":   map[string]interface{}{"type": "string"},
								"fact_value": map[string]interface{}{"type": "string"},
								"confidence": map[string]interface{}{"type": "number"},
							},
							"required":             []string{"fact_type", "fact_key", "fact_value", "confidence"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"summary", "primary_intent", "resolution_status", "sentiment", "products_mentioned", "extracted_facts"},
				"additionalProperties": false,
			},
		},
	},
}
