// Package behavior turns completed sessions into behavioral fingerprints
// and clusters them. Sessions are shingled into feature tokens, hashed
// into MinHash signatures and grouped by Jaccard similarity; sessions
// that match no group are scored as outliers.
package behavior

import (
	"math"
	"sort"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/models"
)

// ExtractFeatures computes the structured behavioral fingerprint of a
// session from its event ring buffer and counters. Consecutive repeats
// of the same tool collapse to one sequence entry.
func ExtractFeatures(sess *models.Session) *models.SessionFeatures {
	f := &models.SessionFeatures{
		EventCount:     sess.EventCount,
		TotalTokens:    sess.TotalTokens,
		TotalToolCalls: sess.ToolUseCount,
	}

	toolSet := map[string]bool{}
	modelSet := map[string]bool{}
	timings := map[string][]float64{}
	var inputTokens, outputTokens []float64

	for _, ev := range sess.Events {
		switch ev.Name {
		case events.LLMCallStart:
			f.RequestCount++
			if m, ok := ev.Attributes["model"].(string); ok && m != "" {
				modelSet[m] = true
			}
		case events.LLMCallFinish:
			if m, ok := ev.Attributes["model"].(string); ok && m != "" {
				modelSet[m] = true
			}
			if n, ok := attrFloat(ev.Attributes, "prompt_tokens"); ok {
				inputTokens = append(inputTokens, n)
			}
			if n, ok := attrFloat(ev.Attributes, "completion_tokens"); ok {
				outputTokens = append(outputTokens, n)
			}
		case events.ToolExecution:
			name, _ := ev.Attributes["tool_name"].(string)
			if name == "" {
				continue
			}
			toolSet[name] = true
			if last := len(f.ToolSequence) - 1; last < 0 || f.ToolSequence[last] != name {
				f.ToolSequence = append(f.ToolSequence, name)
			}
			if d, ok := attrFloat(ev.Attributes, "duration_ms"); ok {
				timings[name] = append(timings[name], d)
			}
		}
	}

	for name := range toolSet {
		f.ToolsUsed = append(f.ToolsUsed, name)
	}
	sort.Strings(f.ToolsUsed)
	for m := range modelSet {
		f.Models = append(f.Models, m)
	}
	sort.Strings(f.Models)

	if len(timings) > 0 {
		f.ToolTimings = make(map[string]float64, len(timings))
		for name, ds := range timings {
			f.ToolTimings[name] = mean(ds)
		}
	}

	f.InputTokens = tokenStats(inputTokens)
	f.OutputTokens = tokenStats(outputTokens)

	f.DurationSeconds = sess.LastActivity.Sub(sess.CreatedAt).Seconds()
	if f.EventCount > 1 {
		f.MeanEventGapSecs = f.DurationSeconds / float64(f.EventCount-1)
	}
	return f
}

func tokenStats(vals []float64) models.TokenStats {
	if len(vals) == 0 {
		return models.TokenStats{}
	}
	st := models.TokenStats{
		Mean: mean(vals),
		P95:  quantile(vals, 0.95),
	}
	for _, v := range vals {
		if int64(v) > st.Max {
			st.Max = int64(v)
		}
	}
	if len(vals) > 1 {
		var ss float64
		for _, v := range vals {
			d := v - st.Mean
			ss += d * d
		}
		st.Stdev = math.Sqrt(ss / float64(len(vals)-1))
	}
	return st
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// quantile returns the q-quantile with linear interpolation.
func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ComputePercentiles derives the frozen distribution anchors from the
// first analyzed batch of session features.
func ComputePercentiles(feats []*models.SessionFeatures) *models.Percentiles {
	var durations, tokens, calls []float64
	for _, f := range feats {
		durations = append(durations, f.DurationSeconds)
		tokens = append(tokens, float64(f.TotalTokens))
		calls = append(calls, float64(f.TotalToolCalls))
	}
	return &models.Percentiles{
		DurationSeconds: quantiles(durations),
		TotalTokens:     quantiles(tokens),
		ToolCalls:       quantiles(calls),
	}
}

func quantiles(vals []float64) models.Quantiles {
	return models.Quantiles{
		P25: quantile(vals, 0.25),
		P50: quantile(vals, 0.50),
		P75: quantile(vals, 0.75),
		P90: quantile(vals, 0.90),
		P95: quantile(vals, 0.95),
	}
}
