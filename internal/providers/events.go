package providers

import (
	"time"

	"github.com/haasonsaas/argus/internal/events"
)

const attrContentLimit = 500

// EventsForRequest builds the events one parsed request produces, in
// emission order: session.start for new sessions, one tool.result per
// tool output the client sent back, then llm.call.start.
func EventsForRequest(in *SessionInputs, sessionID, systemPromptID, provider string, isNew bool) []*events.Event {
	var out []*events.Event

	if isNew {
		out = append(out, events.New(events.SessionStart, sessionID, systemPromptID, map[string]any{
			"provider": provider,
			"model":    in.Model,
		}))
	}

	for _, tr := range in.ToolResults {
		out = append(out, events.New(events.ToolResult, sessionID, systemPromptID, map[string]any{
			"provider":     provider,
			"tool_call_id": tr.ToolCallID,
			"tool_name":    tr.Name,
			"content":      truncate(tr.Content, attrContentLimit),
		}))
	}

	attrs := map[string]any{
		"provider":      provider,
		"model":         in.Model,
		"streaming":     in.Stream,
		"message_count": len(in.Messages),
	}
	if len(in.Tools) > 0 {
		attrs["tools"] = in.Tools
	}
	out = append(out, events.New(events.LLMCallStart, sessionID, systemPromptID, attrs))
	return out
}

// EventsForResponse builds the events one parsed response produces:
// llm.call.finish with duration and token counts, then one
// tool.execution per tool-use block the assistant requested.
func EventsForResponse(facts *ResponseFacts, sessionID, systemPromptID, provider string, duration time.Duration) []*events.Event {
	attrs := map[string]any{
		"provider":          provider,
		"model":             facts.Model,
		"finish_reason":     facts.FinishReason,
		"duration_ms":       duration.Milliseconds(),
		"prompt_tokens":     facts.Usage.Prompt,
		"completion_tokens": facts.Usage.Completion,
		"total_tokens":      facts.Usage.Total,
	}
	if facts.SystemFingerprint != "" {
		attrs["system_fingerprint"] = facts.SystemFingerprint
	}
	if facts.Refusal != "" {
		attrs["refusal"] = truncate(facts.Refusal, attrContentLimit)
	}

	out := []*events.Event{
		events.New(events.LLMCallFinish, sessionID, systemPromptID, attrs),
	}

	for _, tc := range facts.ToolCalls {
		out = append(out, events.New(events.ToolExecution, sessionID, systemPromptID, map[string]any{
			"provider":     provider,
			"tool_name":    tc.Name,
			"tool_call_id": tc.ID,
			"arguments":    truncate(tc.Arguments, attrContentLimit),
		}))
	}
	return out
}

// ErrorEvent builds the llm.call.error event for a failed call. Kind is
// "parse" for unreadable bodies or "upstream" for non-2xx responses.
func ErrorEvent(sessionID, systemPromptID, provider, kind string, statusCode int) *events.Event {
	attrs := map[string]any{
		"provider": provider,
		"kind":     kind,
	}
	if statusCode != 0 {
		attrs["status_code"] = statusCode
	}
	return events.New(events.LLMCallError, sessionID, systemPromptID, attrs)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
