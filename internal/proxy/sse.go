package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/haasonsaas/argus/internal/providers"
)

// sseUsage covers both vendors' usage spellings inside stream frames.
type sseUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

// sseFrame is the subset of a stream frame the proxy looks at. Anthropic
// nests the opening usage under "message"; OpenAI puts usage on the
// terminal chunk when the client asked for it.
type sseFrame struct {
	Model   string    `json:"model"`
	Usage   *sseUsage `json:"usage"`
	Message *struct {
		Model string    `json:"model"`
		Usage *sseUsage `json:"usage"`
	} `json:"message"`
}

// relayStream forwards SSE bytes to the client untouched, flushing per
// chunk, while scanning complete lines for token counts. It returns the
// best usage numbers the stream disclosed, which may be zero.
func (p *Proxy) relayStream(w http.ResponseWriter, body io.Reader) (providers.Usage, string) {
	flusher, _ := w.(http.Flusher)

	var (
		usage   providers.Usage
		model   string
		pending []byte
	)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; keep draining so the scan still
				// sees the terminal usage frame.
				w = discardWriter{}
				flusher = nil
			}
			if flusher != nil {
				flusher.Flush()
			}
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				scanSSELine(pending[:idx], &usage, &model)
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			break
		}
	}
	scanSSELine(pending, &usage, &model)
	return usage, model
}

// scanSSELine extracts usage and model from one "data:" line. Unreadable
// frames are ignored; the stream belongs to the client, not to us.
func scanSSELine(line []byte, usage *providers.Usage, model *string) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	var frame sseFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Model != "" {
		*model = frame.Model
	}
	if frame.Message != nil {
		if frame.Message.Model != "" {
			*model = frame.Message.Model
		}
		applyUsage(usage, frame.Message.Usage)
	}
	applyUsage(usage, frame.Usage)
}

// applyUsage merges one usage frame. Counts only grow: Anthropic's
// message_delta frames carry cumulative output totals.
func applyUsage(dst *providers.Usage, u *sseUsage) {
	if u == nil {
		return
	}
	if u.PromptTokens > dst.Prompt {
		dst.Prompt = u.PromptTokens
	}
	if u.InputTokens > dst.Prompt {
		dst.Prompt = u.InputTokens
	}
	if u.CompletionTokens > dst.Completion {
		dst.Completion = u.CompletionTokens
	}
	if u.OutputTokens > dst.Completion {
		dst.Completion = u.OutputTokens
	}
	if u.TotalTokens > dst.Total {
		dst.Total = u.TotalTokens
	}
	if sum := dst.Prompt + dst.Completion; sum > dst.Total {
		dst.Total = sum
	}
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardWriter) Header() http.Header         { return http.Header{} }
func (discardWriter) WriteHeader(int)             {}
