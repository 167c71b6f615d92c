package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/argus/internal/models"
)

// OpenAI parses the chat-completions wire format. Bodies unmarshal
// directly into the SDK's request and response types, which already
// handle string-versus-multipart content.
type OpenAI struct{}

// NewOpenAI creates the chat-completions adapter.
func NewOpenAI() *OpenAI { return &OpenAI{} }

// Name implements Adapter.
func (o *OpenAI) Name() string { return "openai" }

// CanHandle implements Adapter.
func (o *OpenAI) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/chat/completions")
}

// ParseRequest implements Adapter.
func (o *OpenAI) ParseRequest(body []byte) (*SessionInputs, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: openai request: %v", ErrParse, err)
	}

	in := &SessionInputs{
		Model:  req.Model,
		Stream: req.Stream,
	}

	for _, t := range req.Tools {
		if t.Function != nil {
			in.Tools = append(in.Tools, t.Function.Name)
		}
	}

	for _, m := range req.Messages {
		content := messageText(m)
		switch m.Role {
		case openai.ChatMessageRoleSystem, "developer":
			// The first system/developer message grounds the agent
			// identity; later ones are treated as ordinary context.
			if in.SystemPrompt == "" {
				in.SystemPrompt = content
				continue
			}
			in.Messages = append(in.Messages, models.Message{Role: "system", Content: content})
		case openai.ChatMessageRoleTool:
			in.ToolResults = append(in.ToolResults, ToolResult{
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
				Content:    content,
			})
			in.Messages = append(in.Messages, models.Message{Role: "tool", Content: content})
		default:
			in.Messages = append(in.Messages, models.Message{Role: m.Role, Content: content})
		}
	}

	return in, nil
}

// ParseResponse implements Adapter.
func (o *OpenAI) ParseResponse(body []byte) (*ResponseFacts, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: openai response: %v", ErrParse, err)
	}

	facts := &ResponseFacts{
		ResponseID:        resp.ID,
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
		Usage: Usage{
			Prompt:     int64(resp.Usage.PromptTokens),
			Completion: int64(resp.Usage.CompletionTokens),
			Total:      int64(resp.Usage.TotalTokens),
		},
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		facts.FinishReason = string(choice.FinishReason)
		facts.Content = choice.Message.Content
		facts.Refusal = choice.Message.Refusal
		for _, tc := range choice.Message.ToolCalls {
			facts.ToolCalls = append(facts.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	return facts, nil
}

// messageText flattens a chat message to text, concatenating text parts
// of multipart content and ignoring non-text parts.
func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.MultiContent) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range m.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
