package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/argus/internal/models"
)

// defaultChainCapacity bounds the response-id chain map.
const defaultChainCapacity = 10000

// OpenAIResponses parses the Responses API wire format. Unlike chat
// completions, callers may continue a conversation by sending only
// previous_response_id, so the adapter keeps a bounded FIFO of
// response id to session id to bridge those stateless calls.
type OpenAIResponses struct {
	mu       sync.Mutex
	capacity int
	chain    map[string]string
	order    []string
}

// NewOpenAIResponses creates the Responses API adapter.
func NewOpenAIResponses() *OpenAIResponses {
	return &OpenAIResponses{
		capacity: defaultChainCapacity,
		chain:    make(map[string]string),
	}
}

// Name implements Adapter.
func (o *OpenAIResponses) Name() string { return "openai-responses" }

// CanHandle implements Adapter.
func (o *OpenAIResponses) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/v1/responses")
}

type responsesRequest struct {
	Model              string          `json:"model"`
	Input              json.RawMessage `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	Tools              []responsesTool `json:"tools,omitempty"`
}

type responsesTool struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type responsesItem struct {
	Type      string          `json:"type,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Output    string          `json:"output,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

type responsesPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseRequest implements Adapter.
func (o *OpenAIResponses) ParseRequest(body []byte) (*SessionInputs, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: responses request: %v", ErrParse, err)
	}

	in := &SessionInputs{
		Model:              req.Model,
		Stream:             req.Stream,
		SystemPrompt:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
	}
	for _, t := range req.Tools {
		name := t.Name
		if name == "" {
			name = t.Type
		}
		in.Tools = append(in.Tools, name)
	}

	// Input is either a plain string (one user turn) or an item list.
	if len(req.Input) > 0 {
		var s string
		if err := json.Unmarshal(req.Input, &s); err == nil {
			in.Messages = append(in.Messages, models.Message{Role: "user", Content: s})
			return in, nil
		}
		var items []responsesItem
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return nil, fmt.Errorf("%w: responses input: %v", ErrParse, err)
		}
		for _, item := range items {
			switch {
			case item.Type == "function_call_output":
				in.ToolResults = append(in.ToolResults, ToolResult{
					ToolCallID: item.CallID,
					Content:    item.Output,
				})
				in.Messages = append(in.Messages, models.Message{Role: "tool", Content: item.Output})
			case item.Type == "function_call":
				// Assistant-side call replayed by the client; nothing to track.
			case item.Role != "":
				in.Messages = append(in.Messages, models.Message{
					Role:    item.Role,
					Content: flattenParts(item.Content),
				})
			}
		}
	}

	return in, nil
}

type responsesResponse struct {
	ID     string          `json:"id"`
	Model  string          `json:"model"`
	Status string          `json:"status"`
	Output []responsesItem `json:"output"`
	Usage  struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse implements Adapter.
func (o *OpenAIResponses) ParseResponse(body []byte) (*ResponseFacts, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: responses response: %v", ErrParse, err)
	}

	facts := &ResponseFacts{
		ResponseID:   resp.ID,
		Model:        resp.Model,
		FinishReason: resp.Status,
		Usage: Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}

	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			text.WriteString(flattenParts(item.Content))
		case "function_call":
			facts.ToolCalls = append(facts.ToolCalls, ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}
	facts.Content = text.String()

	return facts, nil
}

// ContinueSession implements SessionChainer.
func (o *OpenAIResponses) ContinueSession(previousResponseID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.chain[previousResponseID]
	return id, ok
}

// RememberResponse implements SessionChainer. Oldest entries fall off
// once the map reaches capacity.
func (o *OpenAIResponses) RememberResponse(responseID, sessionID string) {
	if responseID == "" || sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.chain[responseID]; !exists {
		o.order = append(o.order, responseID)
	}
	o.chain[responseID] = sessionID
	for len(o.order) > o.capacity {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.chain, oldest)
	}
}

// flattenParts joins the text parts of a Responses content field, which
// may be a plain string or a typed part list.
func flattenParts(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []responsesPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "input_text" || p.Type == "output_text" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
