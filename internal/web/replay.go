package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/argus/internal/providers"
	"github.com/haasonsaas/argus/internal/pricing"
)

type replayRequest struct {
	// Provider selects the upstream: openai, openai-responses, anthropic.
	Provider string `json:"provider"`

	// Path overrides the default endpoint for the provider.
	Path string `json:"path,omitempty"`

	// Headers are forwarded verbatim (authorization, x-api-key, ...).
	Headers map[string]string `json:"headers,omitempty"`

	// Body is the request body, sent to the upstream unmodified.
	Body json.RawMessage `json:"body"`
}

type replayParsed struct {
	Content      string               `json:"content,omitempty"`
	ToolCalls    []providers.ToolCall `json:"tool_calls,omitempty"`
	Model        string               `json:"model,omitempty"`
	Usage        providers.Usage      `json:"usage"`
	FinishReason string               `json:"finish_reason,omitempty"`
}

type replayResponse struct {
	Status      int             `json:"status"`
	RawResponse json.RawMessage `json:"raw_response"`
	ElapsedMs   int64           `json:"elapsed_ms"`
	Cost        pricing.Cost    `json:"cost"`
	Parsed      *replayParsed   `json:"parsed,omitempty"`
}

// replayTarget maps a provider name to its upstream base, default path,
// and the adapter used to parse the response.
func (s *Server) replayTarget(provider string) (base, path string, adapter providers.Adapter) {
	switch provider {
	case "openai":
		return s.openaiBase, "/v1/chat/completions", providers.NewOpenAI()
	case "openai-responses":
		return s.openaiBase, "/v1/responses", providers.NewOpenAIResponses()
	case "anthropic":
		return s.anthropicBase, "/v1/messages", providers.NewAnthropic()
	}
	return "", "", nil
}

// handleReplay proxies one reconstructed request to the upstream and
// returns the raw response with a cost estimate. The call is bounded by
// the replay timeout; expiry maps to 504.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	base, path, adapter := s.replayTarget(req.Provider)
	if adapter == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown provider"})
		return
	}
	if req.Path != "" {
		path = req.Path
	}
	if len(req.Body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.replayTimeout)
	defer cancel()

	url := strings.TrimSuffix(base, "/") + path
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		upReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(upReq)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "upstream timeout"})
			return
		}
		s.logger.Error(r.Context(), "replay upstream call failed", "provider", req.Provider, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unreachable"})
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "upstream timeout"})
			return
		}
		s.fail(w, r, err)
		return
	}

	out := replayResponse{
		Status:      resp.StatusCode,
		RawResponse: json.RawMessage(raw),
		ElapsedMs:   elapsed.Milliseconds(),
	}
	if !json.Valid(raw) {
		out.RawResponse, _ = json.Marshal(string(raw))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if facts, perr := adapter.ParseResponse(raw); perr == nil {
			out.Parsed = &replayParsed{
				Content:      facts.Content,
				ToolCalls:    facts.ToolCalls,
				Model:        facts.Model,
				Usage:        facts.Usage,
				FinishReason: facts.FinishReason,
			}
			if s.pricing != nil {
				out.Cost = s.pricing.Estimate(facts.Model, facts.Usage.Prompt, facts.Usage.Completion)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}
