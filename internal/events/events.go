// Package events defines the typed records emitted at each proxy hook.
//
// Events are immutable once created. Identifiers are deterministic: the
// trace and span ids are hex derivations of the session id, so a session's
// events can be correlated without any shared counter.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Name identifies the hook that produced an event.
type Name string

const (
	SessionStart  Name = "session.start"
	LLMCallStart  Name = "llm.call.start"
	LLMCallFinish Name = "llm.call.finish"
	LLMCallError  Name = "llm.call.error"
	ToolExecution Name = "tool.execution"
	ToolResult    Name = "tool.result"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one record produced at a proxy hook. Events are shared
// read-only after creation; Attributes carries vendor-specific extras.
type Event struct {
	Name           Name           `json:"name"`
	SessionID      string         `json:"session_id"`
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	SystemPromptID string         `json:"system_prompt_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Level          Level          `json:"level"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// New creates an event for the given hook with derived trace and span ids.
// The timestamp is always UTC. Error events get LevelError automatically.
func New(name Name, sessionID, systemPromptID string, attrs map[string]any) *Event {
	level := LevelInfo
	if name == LLMCallError {
		level = LevelError
	}
	return &Event{
		Name:           name,
		SessionID:      sessionID,
		TraceID:        TraceID(sessionID),
		SpanID:         SpanID(sessionID),
		SystemPromptID: systemPromptID,
		Timestamp:      time.Now().UTC(),
		Level:          level,
		Attributes:     attrs,
	}
}

// TraceID derives the 32-hex trace identifier for a session.
func TraceID(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:32]
}

// SpanID derives the 32-hex span identifier for a session. The input is
// domain-separated from TraceID so the two never collide.
func SpanID(sessionID string) string {
	sum := sha256.Sum256([]byte("span:" + sessionID))
	return hex.EncodeToString(sum[:])[:32]
}

// SystemPromptID computes the short hash that identifies the class of
// conversations grounded by one system prompt. An empty prompt maps to
// "default" so promptless traffic still aggregates under one agent.
func SystemPromptID(systemPrompt string) string {
	if systemPrompt == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(systemPrompt))
	return hex.EncodeToString(sum[:])[:16]
}
