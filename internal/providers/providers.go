// Package providers parses the request and response bodies of each
// upstream LLM vendor into a normalized shape the trace pipeline
// understands. Adapters never modify the bodies they parse.
package providers

import (
	"errors"
	"net/http"

	"github.com/haasonsaas/argus/internal/models"
)

// ErrParse reports a request or response body the adapter could not
// understand. The proxy forwards such traffic without session attribution.
var ErrParse = errors.New("provider parse error")

// ToolResult is one tool output the client sent back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
}

// ToolCall is one tool invocation the assistant requested.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage carries normalized token counts; field names differ per vendor.
type Usage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// SessionInputs is everything the pipeline needs from one request body.
type SessionInputs struct {
	Messages           []models.Message
	SystemPrompt       string
	Model              string
	Stream             bool
	Tools              []string
	ToolResults        []ToolResult
	PreviousResponseID string
}

// ResponseFacts is everything the pipeline needs from one response body.
type ResponseFacts struct {
	ResponseID        string
	Model             string
	FinishReason      string
	SystemFingerprint string
	Refusal           string
	Usage             Usage
	Content           string
	ToolCalls         []ToolCall
}

// Adapter parses one vendor's wire format.
type Adapter interface {
	// Name identifies the vendor ("openai", "openai-responses", "anthropic").
	Name() string

	// CanHandle reports whether this adapter understands the request path.
	CanHandle(r *http.Request) bool

	// ParseRequest extracts session inputs from a request body.
	ParseRequest(body []byte) (*SessionInputs, error)

	// ParseResponse extracts response facts from a response body.
	ParseResponse(body []byte) (*ResponseFacts, error)
}

// SessionChainer is implemented by adapters whose vendor continues
// sessions by id reference instead of resending history.
type SessionChainer interface {
	// ContinueSession maps a previous response id to a known session.
	ContinueSession(previousResponseID string) (sessionID string, ok bool)

	// RememberResponse records the session a response id belongs to.
	RememberResponse(responseID, sessionID string)
}

// For returns the first adapter that can handle the request, or nil.
func For(r *http.Request, adapters []Adapter) Adapter {
	for _, a := range adapters {
		if a.CanHandle(r) {
			return a
		}
	}
	return nil
}
