package behavior

import (
	"fmt"
	"math"

	"github.com/haasonsaas/argus/internal/models"
)

// Shingles flattens session features into the token set that feeds the
// MinHash signature. Scalar dimensions are bucketed against the agent's
// frozen percentiles so that the same magnitude always produces the same
// token, run after run.
func Shingles(f *models.SessionFeatures, anchors *models.Percentiles) []string {
	var out []string

	for _, tool := range f.ToolsUsed {
		out = append(out, "tool:"+tool)
	}
	for i := 0; i+1 < len(f.ToolSequence); i++ {
		out = append(out, "seq:"+f.ToolSequence[i]+"->"+f.ToolSequence[i+1])
	}
	for _, m := range f.Models {
		out = append(out, "model:"+m)
	}

	if anchors != nil {
		out = append(out,
			"tokens:"+bucket(float64(f.TotalTokens), anchors.TotalTokens),
			"duration:"+bucket(f.DurationSeconds, anchors.DurationSeconds),
			"calls:"+bucket(float64(f.TotalToolCalls), anchors.ToolCalls))
	} else {
		out = append(out,
			"tokens:"+magnitudeBucket(float64(f.TotalTokens)),
			"duration:"+magnitudeBucket(f.DurationSeconds),
			"calls:"+magnitudeBucket(float64(f.TotalToolCalls)))
	}
	return out
}

// bucket places a value into one of six bands of the frozen distribution.
func bucket(v float64, q models.Quantiles) string {
	switch {
	case v <= q.P25:
		return "p0_25"
	case v <= q.P50:
		return "p25_50"
	case v <= q.P75:
		return "p50_75"
	case v <= q.P90:
		return "p75_90"
	case v <= q.P95:
		return "p90_95"
	default:
		return "p95_plus"
	}
}

// magnitudeBucket is the fallback before percentiles are frozen: order
// of magnitude, so early signatures are still stable.
func magnitudeBucket(v float64) string {
	if v < 1 {
		return "mag0"
	}
	return fmt.Sprintf("mag%d", int(math.Log10(v))+1)
}

// BucketOf exposes the band used for one dimension, for outlier cause
// reporting.
func BucketOf(v float64, q models.Quantiles) string {
	return bucket(v, q)
}
