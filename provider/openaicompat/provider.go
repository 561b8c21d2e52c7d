package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roundtable-ai/roundtable"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements roundtable.ChatProvider, StreamingChatProvider, and
// StructuredChatProvider against any OpenAI-compatible chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	name    string
	client  *http.Client
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithName overrides the provider name reported by Name.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithLogger sets the logger for request-level diagnostics.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProvider creates a provider for the given API key, default model, and
// base URL. An empty baseURL targets the OpenAI API.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    "openai-compatible",
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a blocking completion request.
func (p *Provider) Chat(ctx context.Context, req roundtable.ChatRequest) (roundtable.ChatResponse, error) {
	body := p.buildBody(req, false)
	raw, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return roundtable.ChatResponse{}, err
	}
	defer raw.Close()

	var completion chatCompletion
	if err := json.NewDecoder(raw).Decode(&completion); err != nil {
		return roundtable.ChatResponse{}, p.errf("decode response: %v", err)
	}
	if len(completion.Choices) == 0 {
		return roundtable.ChatResponse{}, p.errf("response contained no choices")
	}

	ch := completion.Choices[0]
	resp := roundtable.ChatResponse{
		StopReason: mapStopReason(ch.FinishReason),
	}
	if ch.Message != nil {
		resp.Content = ch.Message.Content
		resp.ToolCalls = convertToolCalls(ch.Message.ToolCalls)
	}
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = roundtable.StopToolUse
	}
	if completion.Usage != nil {
		resp.Usage = roundtable.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// Parse runs a completion constrained by req.ResponseSchema and returns the
// raw JSON content.
func (p *Provider) Parse(ctx context.Context, req roundtable.ChatRequest) (json.RawMessage, error) {
	if req.ResponseSchema == nil {
		return nil, p.errf("parse requires a response schema")
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, p.errf("structured response was empty")
	}
	return json.RawMessage(content), nil
}

func (p *Provider) buildBody(req roundtable.ChatRequest, stream bool) chatBody {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := chatBody{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	if req.ToolChoice != nil {
		body.ToolChoice = convertToolChoice(*req.ToolChoice)
	}
	if req.ResponseSchema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   req.ResponseSchema.Name,
				Schema: req.ResponseSchema.Schema,
				Strict: true,
			},
		}
	}
	return body
}

// convertMessages flattens the provider-agnostic message list into OpenAI
// wire messages. A tool-results message expands into one "tool" role message
// per result block.
func convertMessages(messages []roundtable.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.ToolResults) > 0 {
			for _, tr := range m.ToolResults {
				out = append(out, wireMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolUseID,
				})
			}
			continue
		}
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			args := string(tc.Args)
			if args == "" {
				args = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func convertToolChoice(tc roundtable.ToolChoice) any {
	switch tc.Mode {
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

func convertToolCalls(calls []wireToolCall) []roundtable.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]roundtable.ToolCall, 0, len(calls))
	for _, c := range calls {
		args := json.RawMessage(c.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out = append(out, roundtable.ToolCall{
			ID:   c.ID,
			Name: c.Function.Name,
			Args: args,
		})
	}
	return out
}

func mapStopReason(finish string) string {
	switch finish {
	case "tool_calls", "function_call":
		return roundtable.StopToolUse
	case "length":
		return roundtable.StopMaxTok
	default:
		return roundtable.StopEndTurn
	}
}

// post issues a JSON POST and returns the response body. The caller closes it.
func (p *Provider) post(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, p.errf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, p.errf("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.errf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.errf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}

func (p *Provider) errf(format string, args ...any) error {
	return &roundtable.ErrProvider{Provider: p.name, Message: fmt.Sprintf(format, args...)}
}

var _ roundtable.StreamingChatProvider = (*Provider)(nil)
var _ roundtable.StructuredChatProvider = (*Provider)(nil)
