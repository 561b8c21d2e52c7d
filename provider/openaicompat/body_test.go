package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/roundtable-ai/roundtable"
)

func testProvider() *Provider {
	return NewProvider("test-key", "gpt-4.1", "http://localhost")
}

func TestBuildBodyRoles(t *testing.T) {
	req := roundtable.ChatRequest{
		Messages: []roundtable.ChatMessage{
			roundtable.SystemMessage("Be helpful."),
			roundtable.UserMessage("Hello"),
			{Role: "assistant", Content: "Hi!"},
		},
	}

	body := testProvider().buildBody(req, false)

	if body.Model != "gpt-4.1" {
		t.Errorf("model = %q, want provider default", body.Model)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	for i, role := range []string{"system", "user", "assistant"} {
		if body.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, body.Messages[i].Role, role)
		}
	}
	if body.Stream {
		t.Error("stream should be false for blocking requests")
	}
	if body.StreamOptions != nil {
		t.Error("stream_options should be absent for blocking requests")
	}
}

func TestBuildBodyModelOverride(t *testing.T) {
	req := roundtable.ChatRequest{
		Model:    "gpt-4.1-mini",
		Messages: []roundtable.ChatMessage{roundtable.UserMessage("Hi")},
	}
	body := testProvider().buildBody(req, false)
	if body.Model != "gpt-4.1-mini" {
		t.Errorf("model = %q, want request override", body.Model)
	}
}

func TestBuildBodyStream(t *testing.T) {
	req := roundtable.ChatRequest{Messages: []roundtable.ChatMessage{roundtable.UserMessage("Hi")}}
	body := testProvider().buildBody(req, true)
	if !body.Stream {
		t.Error("stream = false, want true")
	}
	if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
		t.Error("stream_options.include_usage not set")
	}
}

func TestBuildBodyToolResultsExpand(t *testing.T) {
	req := roundtable.ChatRequest{
		Messages: []roundtable.ChatMessage{
			{
				Role: "user",
				ToolResults: []roundtable.ToolResultBlock{
					{ToolUseID: "call_1", Content: "result one"},
					{ToolUseID: "call_2", Content: "result two"},
				},
			},
		},
	}

	body := testProvider().buildBody(req, false)

	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d, want one per result block", len(body.Messages))
	}
	for i, id := range []string{"call_1", "call_2"} {
		m := body.Messages[i]
		if m.Role != "tool" {
			t.Errorf("message %d role = %q, want tool", i, m.Role)
		}
		if m.ToolCallID != id {
			t.Errorf("message %d tool_call_id = %q, want %q", i, m.ToolCallID, id)
		}
	}
	if body.Messages[0].Content != "result one" {
		t.Errorf("content = %q", body.Messages[0].Content)
	}
}

func TestBuildBodyAssistantToolCalls(t *testing.T) {
	req := roundtable.ChatRequest{
		Messages: []roundtable.ChatMessage{
			{
				Role:    "assistant",
				Content: "Checking.",
				ToolCalls: []roundtable.ToolCall{
					{ID: "call_1", Name: "search_documents", Args: json.RawMessage(`{"query":"cats"}`)},
					{ID: "call_2", Name: "list_documents"},
				},
			},
		},
	}

	body := testProvider().buildBody(req, false)

	if len(body.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(body.Messages))
	}
	calls := body.Messages[0].ToolCalls
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].Type != "function" || calls[0].Function.Name != "search_documents" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"query":"cats"}` {
		t.Errorf("call 0 arguments = %q", calls[0].Function.Arguments)
	}
	// Empty args become an empty JSON object.
	if calls[1].Function.Arguments != "{}" {
		t.Errorf("call 1 arguments = %q, want {}", calls[1].Function.Arguments)
	}
}

func TestBuildBodyTools(t *testing.T) {
	req := roundtable.ChatRequest{
		Messages: []roundtable.ChatMessage{roundtable.UserMessage("Hi")},
		Tools: []roundtable.ToolDefinition{
			{
				Name:        "search_documents",
				Description: "Search the knowledge base",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
			},
			{Name: "list_documents", Description: "List documents"},
		},
	}

	body := testProvider().buildBody(req, false)

	if len(body.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(body.Tools))
	}
	if body.Tools[0].Type != "function" {
		t.Errorf("tool type = %q, want function", body.Tools[0].Type)
	}
	if body.Tools[0].Function.Name != "search_documents" {
		t.Errorf("tool name = %q", body.Tools[0].Function.Name)
	}
	// A tool without a schema gets an empty object schema.
	var params map[string]any
	if err := json.Unmarshal(body.Tools[1].Function.Parameters, &params); err != nil {
		t.Fatalf("parse default parameters: %v", err)
	}
	if params["type"] != "object" {
		t.Errorf("default parameters = %v", params)
	}
}

func TestBuildBodyToolChoice(t *testing.T) {
	base := roundtable.ChatRequest{Messages: []roundtable.ChatMessage{roundtable.UserMessage("Hi")}}
	p := testProvider()

	req := base
	auto := roundtable.ToolChoiceAuto()
	req.ToolChoice = &auto
	if got := p.buildBody(req, false).ToolChoice; got != "auto" {
		t.Errorf("auto choice = %v", got)
	}

	req = base
	anyChoice := roundtable.ToolChoiceAny()
	req.ToolChoice = &anyChoice
	if got := p.buildBody(req, false).ToolChoice; got != "required" {
		t.Errorf("any choice = %v, want required", got)
	}

	req = base
	named := roundtable.ToolChoiceNamed("submit_deliverable")
	req.ToolChoice = &named
	got, ok := p.buildBody(req, false).ToolChoice.(map[string]any)
	if !ok {
		t.Fatalf("named choice = %T, want map", p.buildBody(req, false).ToolChoice)
	}
	fn, ok := got["function"].(map[string]string)
	if !ok || fn["name"] != "submit_deliverable" {
		t.Errorf("named choice = %v", got)
	}
}

func TestBuildBodyResponseSchema(t *testing.T) {
	req := roundtable.ChatRequest{
		Messages: []roundtable.ChatMessage{roundtable.UserMessage("Hi")},
		ResponseSchema: &roundtable.ResponseSchema{
			Name:   "work_plan",
			Schema: json.RawMessage(`{"type":"object"}`),
		},
	}

	body := testProvider().buildBody(req, false)

	rf := body.ResponseFormat
	if rf == nil || rf.Type != "json_schema" {
		t.Fatalf("response_format = %+v", rf)
	}
	if rf.JSONSchema == nil || rf.JSONSchema.Name != "work_plan" || !rf.JSONSchema.Strict {
		t.Errorf("json_schema = %+v", rf.JSONSchema)
	}
}

func TestConvertToolCallsRepairsInvalidArgs(t *testing.T) {
	calls := convertToolCalls([]wireToolCall{
		{ID: "call_1", Function: wireFunctionCall{Name: "search", Arguments: `{"q":`}},
	})
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if string(calls[0].Args) != "{}" {
		t.Errorf("args = %q, want {}", calls[0].Args)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"tool_calls":    roundtable.StopToolUse,
		"function_call": roundtable.StopToolUse,
		"length":        roundtable.StopMaxTok,
		"stop":          roundtable.StopEndTurn,
		"":              roundtable.StopEndTurn,
	}
	for finish, want := range cases {
		if got := mapStopReason(finish); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", finish, got, want)
		}
	}
}
