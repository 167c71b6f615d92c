// Package proxy forwards LLM API traffic to the upstream vendors while
// reconstructing sessions from the bodies passing through. Observation
// never mutates a request or response, and an observation failure never
// fails the proxied call.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/providers"
	"github.com/haasonsaas/argus/internal/resolver"
	"github.com/haasonsaas/argus/internal/store"
)

// Options configures a Proxy.
type Options struct {
	// OpenAIBase and AnthropicBase are the upstream base URLs.
	OpenAIBase    string
	AnthropicBase string

	Store    *store.Store
	Resolver *resolver.Resolver
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// Client overrides the upstream HTTP client, for tests.
	Client *http.Client
}

// Proxy is the intercepting reverse proxy for the chat completion,
// responses and messages endpoints.
type Proxy struct {
	store    *store.Store
	resolver *resolver.Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
	adapters []providers.Adapter
	client   *http.Client

	openaiBase    *url.URL
	anthropicBase *url.URL
}

// New creates a proxy. Base URLs must parse; the adapters are fixed.
func New(opts Options) (*Proxy, error) {
	openaiBase, err := url.Parse(opts.OpenAIBase)
	if err != nil {
		return nil, fmt.Errorf("openai base url: %w", err)
	}
	anthropicBase, err := url.Parse(opts.AnthropicBase)
	if err != nil {
		return nil, fmt.Errorf("anthropic base url: %w", err)
	}
	client := opts.Client
	if client == nil {
		// No client timeout: streamed completions legitimately run for
		// minutes. Cancellation rides the request context.
		client = &http.Client{}
	}
	return &Proxy{
		store:    opts.Store,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		adapters: []providers.Adapter{
			providers.NewOpenAI(),
			providers.NewOpenAIResponses(),
			providers.NewAnthropic(),
		},
		client:        client,
		openaiBase:    openaiBase,
		anthropicBase: anthropicBase,
	}, nil
}

// Register attaches the proxied vendor paths to the mux.
func (p *Proxy) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", p.ServeHTTP)
	mux.HandleFunc("/v1/responses", p.ServeHTTP)
	mux.HandleFunc("/v1/messages", p.ServeHTTP)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := observability.AddRequestID(r.Context(), uuid.NewString())
	start := time.Now()

	adapter := providers.For(r, p.adapters)
	if adapter == nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	in, parseErr := adapter.ParseRequest(body)
	var (
		sessionID      string
		systemPromptID string
		isNew          bool
	)
	if parseErr != nil {
		// Unparseable traffic is forwarded without attribution; the
		// error event is the only trace it leaves.
		p.logger.Warn(ctx, "request parse failed",
			"provider", adapter.Name(), "error", parseErr)
		sessionID = uuid.NewString()
		systemPromptID = events.SystemPromptID("")
		p.emit(ctx, providers.ErrorEvent(sessionID, systemPromptID, adapter.Name(), "parse", 0))
	} else {
		sessionID, isNew = p.resolveSession(adapter, in)
		systemPromptID = events.SystemPromptID(in.SystemPrompt)
		ctx = observability.AddSessionID(ctx, sessionID)
		ctx = observability.AddAgentID(ctx, systemPromptID)
		p.emit(ctx, providers.EventsForRequest(in, sessionID, systemPromptID, adapter.Name(), isNew)...)
	}

	resp, err := p.forward(r, body)
	if err != nil {
		p.emit(ctx, providers.ErrorEvent(sessionID, systemPromptID, adapter.Name(), "upstream", 0))
		p.countRequest(adapter.Name(), r.URL.Path, http.StatusBadGateway)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.countRequest(adapter.Name(), r.URL.Path, resp.StatusCode)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(w, resp.Body)
		if parseErr == nil {
			p.emit(ctx, providers.ErrorEvent(sessionID, systemPromptID, adapter.Name(), "upstream", resp.StatusCode))
		}

	case parseErr == nil && in.Stream && isEventStream(resp.Header):
		usage, model := p.relayStream(w, resp.Body)
		facts := &providers.ResponseFacts{Model: model, FinishReason: "stream_end", Usage: usage}
		p.emit(ctx, providers.EventsForResponse(facts, sessionID, systemPromptID, adapter.Name(), time.Since(start))...)
		p.observeCall(adapter.Name(), model, usage, time.Since(start))

	default:
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			p.logger.Warn(ctx, "upstream body relay failed", "error", err)
			return
		}
		_, _ = w.Write(respBody)
		if parseErr != nil {
			return
		}
		facts, err := adapter.ParseResponse(respBody)
		if err != nil {
			p.logger.Warn(ctx, "response parse failed",
				"provider", adapter.Name(), "error", err)
			p.emit(ctx, providers.ErrorEvent(sessionID, systemPromptID, adapter.Name(), "parse", 0))
			return
		}
		if chainer, ok := adapter.(providers.SessionChainer); ok && facts.ResponseID != "" {
			chainer.RememberResponse(facts.ResponseID, sessionID)
		}
		p.emit(ctx, providers.EventsForResponse(facts, sessionID, systemPromptID, adapter.Name(), time.Since(start))...)
		p.observeCall(adapter.Name(), facts.Model, facts.Usage, time.Since(start))
	}
}

// resolveSession picks the session for a parsed request: response-id
// chaining when the vendor supports it, message-history resolution
// otherwise.
func (p *Proxy) resolveSession(adapter providers.Adapter, in *providers.SessionInputs) (string, bool) {
	if chainer, ok := adapter.(providers.SessionChainer); ok && in.PreviousResponseID != "" {
		if id, ok := chainer.ContinueSession(in.PreviousResponseID); ok {
			return id, false
		}
	}
	return p.resolver.Resolve(in.Messages, in.SystemPrompt)
}

// forward replays the original request against the vendor upstream,
// preserving method, path, query and headers.
func (p *Proxy) forward(r *http.Request, body []byte) (*http.Response, error) {
	base := p.openaiBase
	if strings.HasPrefix(r.URL.Path, "/v1/messages") {
		base = p.anthropicBase
	}

	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	return p.client.Do(req)
}

// emit applies events to the store, logging failures. A broken store
// never fails the proxied request.
func (p *Proxy) emit(ctx context.Context, evs ...*events.Event) {
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := p.store.AddEvent(ev); err != nil {
			p.logger.Error(ctx, "event not recorded", "event", string(ev.Name), "error", err)
		}
	}
}

func (p *Proxy) countRequest(provider, path string, status int) {
	if p.metrics == nil {
		return
	}
	p.metrics.ProxyRequests.WithLabelValues(provider, path, statusClass(status)).Inc()
}

func (p *Proxy) observeCall(provider, model string, usage providers.Usage, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.LLMCallDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if usage.Prompt > 0 {
		p.metrics.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(usage.Prompt))
	}
	if usage.Completion > 0 {
		p.metrics.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(usage.Completion))
	}
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
