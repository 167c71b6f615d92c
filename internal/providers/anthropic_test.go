package providers

import (
	"net/http/httptest"
	"testing"
)

func TestAnthropicCanHandle(t *testing.T) {
	a := NewAnthropic()
	if !a.CanHandle(httptest.NewRequest("POST", "/v1/messages", nil)) {
		t.Error("should handle /v1/messages")
	}
	if a.CanHandle(httptest.NewRequest("POST", "/v1/chat/completions", nil)) {
		t.Error("should not handle chat completions")
	}
}

func TestAnthropicParseRequestStringContent(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"system": "You are a pirate.",
		"messages": [
			{"role": "user", "content": "Ahoy"},
			{"role": "assistant", "content": "Ahoy matey!"}
		]
	}`
	in, err := NewAnthropic().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if in.SystemPrompt != "You are a pirate." {
		t.Errorf("SystemPrompt = %q", in.SystemPrompt)
	}
	if len(in.Messages) != 2 || in.Messages[0].Content != "Ahoy" {
		t.Errorf("Messages = %+v", in.Messages)
	}
}

func TestAnthropicParseRequestBlockSystem(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"system": [{"type": "text", "text": "Part one. "}, {"type": "text", "text": "Part two."}],
		"messages": [{"role": "user", "content": "Hi"}]
	}`
	in, err := NewAnthropic().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if in.SystemPrompt != "Part one. Part two." {
		t.Errorf("SystemPrompt = %q", in.SystemPrompt)
	}
}

func TestAnthropicToolResultBecomesToolMessage(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}],
		"messages": [
			{"role": "user", "content": "What's the weather?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "Sunny, 75°F"}
			]}
		]
	}`
	in, err := NewAnthropic().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(in.Tools) != 1 || in.Tools[0] != "get_weather" {
		t.Errorf("Tools = %v", in.Tools)
	}
	if len(in.ToolResults) != 1 || in.ToolResults[0].ToolCallID != "toolu_1" {
		t.Fatalf("ToolResults = %+v", in.ToolResults)
	}
	if in.ToolResults[0].Content != "Sunny, 75°F" {
		t.Errorf("tool result content = %q", in.ToolResults[0].Content)
	}

	// The tool_result user message is normalized to a "tool" message.
	last := in.Messages[len(in.Messages)-1]
	if last.Role != "tool" {
		t.Errorf("last message role = %q, want tool", last.Role)
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	body := `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
		],
		"usage": {"input_tokens": 50, "output_tokens": 25}
	}`
	facts, err := NewAnthropic().ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if facts.FinishReason != "tool_use" {
		t.Errorf("FinishReason = %q", facts.FinishReason)
	}
	if facts.Content != "Let me check." {
		t.Errorf("Content = %q", facts.Content)
	}
	if facts.Usage.Prompt != 50 || facts.Usage.Completion != 25 || facts.Usage.Total != 75 {
		t.Errorf("Usage = %+v", facts.Usage)
	}
	if len(facts.ToolCalls) != 1 || facts.ToolCalls[0].Name != "get_weather" {
		t.Errorf("ToolCalls = %+v", facts.ToolCalls)
	}
}
