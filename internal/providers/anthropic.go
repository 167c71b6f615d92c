package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/argus/internal/models"
)

// Anthropic parses the messages-API wire format. Responses unmarshal
// into the SDK's Message type; requests use local structs because the
// SDK's param types only marshal.
type Anthropic struct{}

// NewAnthropic creates the messages adapter.
func NewAnthropic() *Anthropic { return &Anthropic{} }

// Name implements Adapter.
func (a *Anthropic) Name() string { return "anthropic" }

// CanHandle implements Adapter.
func (a *Anthropic) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/v1/messages")
}

type anthropicRequest struct {
	Model    string             `json:"model"`
	System   json.RawMessage    `json:"system,omitempty"`
	Messages []anthropicMessage `json:"messages"`
	Stream   bool               `json:"stream,omitempty"`
	Tools    []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name string `json:"name"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseRequest implements Adapter. Tool results arrive as user-role
// messages carrying tool_result blocks; those are split out as "tool"
// messages so the resolver sees them as turn boundaries, not user turns.
func (a *Anthropic) ParseRequest(body []byte) (*SessionInputs, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: anthropic request: %v", ErrParse, err)
	}

	in := &SessionInputs{
		Model:        req.Model,
		Stream:       req.Stream,
		SystemPrompt: flattenText(req.System),
	}
	for _, t := range req.Tools {
		in.Tools = append(in.Tools, t.Name)
	}

	for _, m := range req.Messages {
		blocks, text := parseContent(m.Content)
		if blocks == nil {
			in.Messages = append(in.Messages, models.Message{Role: m.Role, Content: text})
			continue
		}

		var pending strings.Builder
		flush := func() {
			if pending.Len() > 0 {
				in.Messages = append(in.Messages, models.Message{Role: m.Role, Content: pending.String()})
				pending.Reset()
			}
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				pending.WriteString(b.Text)
			case "tool_result":
				flush()
				content := flattenText(b.Content)
				in.ToolResults = append(in.ToolResults, ToolResult{
					ToolCallID: b.ToolUseID,
					Content:    content,
				})
				in.Messages = append(in.Messages, models.Message{Role: "tool", Content: content})
			case "tool_use":
				// Assistant tool calls carry no resolver-relevant text.
			}
		}
		flush()
	}

	return in, nil
}

// ParseResponse implements Adapter.
func (a *Anthropic) ParseResponse(body []byte) (*ResponseFacts, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: anthropic response: %v", ErrParse, err)
	}

	facts := &ResponseFacts{
		ResponseID:   msg.ID,
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			Prompt:     msg.Usage.InputTokens,
			Completion: msg.Usage.OutputTokens,
			Total:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			facts.ToolCalls = append(facts.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	facts.Content = text.String()

	return facts, nil
}

// parseContent decodes a content field that may be a plain string or a
// block list. On a block list it returns the blocks; on a string it
// returns (nil, text).
func parseContent(raw json.RawMessage) ([]anthropicBlock, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks, ""
	}
	return nil, ""
}

// flattenText extracts the text of a string-or-blocks field,
// concatenating text blocks only.
func flattenText(raw json.RawMessage) string {
	blocks, text := parseContent(raw)
	if blocks == nil {
		return text
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
