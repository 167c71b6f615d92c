// Package pricing estimates the dollar cost of LLM calls from token
// counts. Rates ship embedded and can be refreshed from a published
// table at most daily.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/argus/internal/observability"
)

// Rate is a model's USD price per million tokens.
type Rate struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Cost is one call's estimated spend in USD.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// defaultRates are the embedded fallback prices. Longest-prefix lookup
// lets dated model ids (gpt-4o-2024-11-20) match their family.
var defaultRates = map[string]Rate{
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":           {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":      {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"o3":                {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"o4-mini":           {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
}

// Options configures a Table.
type Options struct {
	// URL, when set, is polled daily for an updated rate table.
	URL string

	// CachePath persists the last fetched table across restarts.
	CachePath string

	Logger *observability.Logger
	Client *http.Client
}

// Table holds the current rates. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate

	url       string
	cachePath string
	client    *http.Client
	logger    *observability.Logger
	cron      *cron.Cron
}

// New creates a table from the embedded defaults, overlaid with the
// cached table from a previous refresh when one exists.
func New(opts Options) *Table {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}

	t := &Table{
		rates:     make(map[string]Rate, len(defaultRates)),
		url:       opts.URL,
		cachePath: opts.CachePath,
		client:    opts.Client,
		logger:    opts.Logger,
	}
	for model, rate := range defaultRates {
		t.rates[model] = rate
	}

	if opts.CachePath != "" {
		if data, err := os.ReadFile(opts.CachePath); err == nil {
			var cached map[string]Rate
			if err := json.Unmarshal(data, &cached); err == nil {
				t.overlay(cached)
			}
		}
	}
	return t
}

// StartRefresh schedules the daily fetch. No-op without a URL.
func (t *Table) StartRefresh() {
	if t.url == "" {
		return
	}
	t.cron = cron.New()
	_, err := t.cron.AddFunc("@daily", func() {
		if err := t.Refresh(context.Background()); err != nil {
			t.logger.Warn(context.Background(), "pricing refresh failed", "error", err)
		}
	})
	if err != nil {
		t.logger.Warn(context.Background(), "pricing refresh not scheduled", "error", err)
		return
	}
	t.cron.Start()
}

// Stop halts the refresh schedule.
func (t *Table) Stop() {
	if t.cron != nil {
		t.cron.Stop()
	}
}

// Refresh fetches the published table once and overlays it.
func (t *Table) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing fetch: status %d", resp.StatusCode)
	}

	var fetched map[string]Rate
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return fmt.Errorf("pricing decode: %w", err)
	}
	t.overlay(fetched)

	if t.cachePath != "" {
		data, err := json.MarshalIndent(fetched, "", "  ")
		if err == nil {
			if err := os.WriteFile(t.cachePath, data, 0o644); err != nil {
				t.logger.Warn(context.Background(), "pricing cache not written", "error", err)
			}
		}
	}
	t.logger.Info(context.Background(), "pricing table refreshed", "models", len(fetched))
	return nil
}

func (t *Table) overlay(rates map[string]Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for model, rate := range rates {
		t.rates[model] = rate
	}
}

// Estimate computes the cost of one call. Unknown models cost zero; the
// dashboard shows the gap rather than a fabricated number.
func (t *Table) Estimate(model string, promptTokens, completionTokens int64) Cost {
	rate, ok := t.lookup(model)
	if !ok {
		return Cost{}
	}
	c := Cost{
		Input:  float64(promptTokens) / 1e6 * rate.InputPerMillion,
		Output: float64(completionTokens) / 1e6 * rate.OutputPerMillion,
	}
	c.Total = c.Input + c.Output
	return c
}

// lookup resolves a model id to a rate, exact match first, then the
// longest prefix so dated snapshots inherit their family price.
func (t *Table) lookup(model string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rate, ok := t.rates[model]; ok {
		return rate, true
	}
	var (
		best    Rate
		bestLen = -1
	)
	for prefix, rate := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = rate
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}
