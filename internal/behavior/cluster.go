package behavior

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/haasonsaas/argus/internal/models"
)

// DefaultTau is the Jaccard similarity threshold that connects two
// sessions in the cluster graph.
const DefaultTau = 0.6

// Analyze clusters the completed sessions of one agent. Sessions missing
// a persisted signature get one computed in memory; persisting frozen
// signatures stays the monitor's job.
func Analyze(sessions []*models.Session, anchors *models.Percentiles, tau float64) *models.BehavioralResult {
	if tau <= 0 {
		tau = DefaultTau
	}

	type member struct {
		sess *models.Session
		feat *models.SessionFeatures
		sig  []uint64
	}
	members := make([]member, 0, len(sessions))
	for _, sess := range sessions {
		feat := sess.Features
		if feat == nil {
			feat = ExtractFeatures(sess)
		}
		sig := sess.Signature
		if len(sig) == 0 {
			sig = MinHash(Shingles(feat, anchors))
		}
		members = append(members, member{sess: sess, feat: feat, sig: sig})
	}

	result := &models.BehavioralResult{TotalSessions: len(members)}
	if len(members) == 0 {
		result.Confidence = models.ResultConfidenceLow
		result.Interpretation = "No completed sessions to analyze yet."
		return result
	}

	// Threshold graph, connected components via union-find.
	parent := make([]int, len(members))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if Jaccard(members[i].sig, members[j].sig) >= tau {
				parent[find(i)] = find(j)
			}
		}
	}

	components := map[int][]int{}
	for i := range members {
		root := find(i)
		components[root] = append(components[root], i)
	}

	var clustered [][]int
	var loners []int
	for _, comp := range components {
		if len(comp) >= 2 {
			clustered = append(clustered, comp)
		} else {
			loners = append(loners, comp[0])
		}
	}
	sort.Slice(clustered, func(a, b int) bool {
		if len(clustered[a]) != len(clustered[b]) {
			return len(clustered[a]) > len(clustered[b])
		}
		return members[clustered[a][0]].sess.SessionID < members[clustered[b][0]].sess.SessionID
	})
	sort.Slice(loners, func(a, b int) bool {
		return members[loners[a]].sess.SessionID < members[loners[b]].sess.SessionID
	})

	total := float64(len(members))
	centroids := make([][]uint64, len(clustered))
	for id, comp := range clustered {
		var (
			ids       []string
			durations []float64
			tokens    []float64
			calls     []float64
			feats     []*models.SessionFeatures
			sigs      [][]uint64
		)
		for _, idx := range comp {
			m := members[idx]
			ids = append(ids, m.sess.SessionID)
			durations = append(durations, m.feat.DurationSeconds)
			tokens = append(tokens, float64(m.feat.TotalTokens))
			calls = append(calls, float64(m.feat.TotalToolCalls))
			feats = append(feats, m.feat)
			sigs = append(sigs, m.sig)
		}
		sort.Strings(ids)
		centroids[id] = centroid(sigs)

		confidence := models.ClusterConfidenceNormal
		if len(comp) == 2 {
			confidence = models.ClusterConfidenceLow
		}

		cluster := models.Cluster{
			ID:              id,
			Size:            len(comp),
			Percentage:      100 * float64(len(comp)) / total,
			SessionIDs:      ids,
			TypicalDuration: valueRange(durations),
			TypicalTokens:   valueRange(tokens),
			TypicalCalls:    valueRange(calls),
			TopTools:        topTools(feats, 3),
			CommonSequence:  commonPrefix(feats),
			CommonModels:    commonModels(feats),
			Confidence:      confidence,
		}
		cluster.Interpretation = interpretCluster(&cluster)
		result.Clusters = append(result.Clusters, cluster)
	}
	result.NumClusters = len(result.Clusters)

	for a := 0; a < len(centroids); a++ {
		for b := a + 1; b < len(centroids); b++ {
			result.CentroidDistances = append(result.CentroidDistances, models.CentroidDistance{
				ClusterA: a,
				ClusterB: b,
				Distance: 1 - Jaccard(centroids[a], centroids[b]),
			})
		}
	}

	for _, idx := range loners {
		m := members[idx]
		out := models.Outlier{SessionID: m.sess.SessionID, NearestCluster: -1, Distance: 1}
		for id, c := range centroids {
			if d := 1 - Jaccard(m.sig, c); d < out.Distance || out.NearestCluster == -1 {
				out.NearestCluster = id
				out.Distance = d
			}
		}
		out.Severity = outlierSeverity(out.Distance)
		if out.NearestCluster >= 0 {
			out.PrimaryCauses = outlierCauses(m.feat, &result.Clusters[out.NearestCluster])
		}
		result.Outliers = append(result.Outliers, out)
	}
	result.NumOutliers = len(result.Outliers)

	if len(result.Clusters) > 0 {
		result.StabilityScore = float64(result.Clusters[0].Size) / total
	}
	result.PredictabilityScore = 1 - float64(result.NumOutliers)/total
	result.ClusterDiversity = diversity(result.Clusters)
	result.Confidence = resultConfidence(result)
	result.Interpretation = interpretResult(result)
	return result
}

// centroid is the element-wise mode over member signatures, first seen
// winning ties.
func centroid(sigs [][]uint64) []uint64 {
	if len(sigs) == 0 {
		return nil
	}
	out := make([]uint64, len(sigs[0]))
	counts := map[uint64]int{}
	for lane := range out {
		for k := range counts {
			delete(counts, k)
		}
		best := sigs[0][lane]
		bestCount := 0
		for _, sig := range sigs {
			counts[sig[lane]]++
			if counts[sig[lane]] > bestCount {
				best = sig[lane]
				bestCount = counts[sig[lane]]
			}
		}
		out[lane] = best
	}
	return out
}

func outlierSeverity(distance float64) models.OutlierSeverity {
	switch {
	case distance < 0.5:
		return models.OutlierLow
	case distance < 0.7:
		return models.OutlierMedium
	case distance < 0.85:
		return models.OutlierHigh
	default:
		return models.OutlierCritical
	}
}

// outlierCauses names the dimensions on which the outlier sits outside
// the nearest cluster's typical ranges.
func outlierCauses(f *models.SessionFeatures, c *models.Cluster) []string {
	var causes []string
	causes = appendRangeCause(causes, "duration", f.DurationSeconds, c.TypicalDuration)
	causes = appendRangeCause(causes, "token usage", float64(f.TotalTokens), c.TypicalTokens)
	causes = appendRangeCause(causes, "tool call volume", float64(f.TotalToolCalls), c.TypicalCalls)

	known := map[string]bool{}
	for _, t := range c.TopTools {
		known[t] = true
	}
	var unfamiliar []string
	for _, t := range f.ToolsUsed {
		if !known[t] {
			unfamiliar = append(unfamiliar, t)
		}
	}
	if len(unfamiliar) > 0 {
		if len(unfamiliar) > 3 {
			unfamiliar = unfamiliar[:3]
		}
		causes = append(causes, "uncommon tools: "+strings.Join(unfamiliar, ", "))
	}
	return causes
}

func appendRangeCause(causes []string, dim string, v float64, r models.ValueRange) []string {
	switch {
	case v < r.P10:
		return append(causes, dim+" below typical range")
	case v > r.P90:
		return append(causes, dim+" above typical range")
	}
	return causes
}

// diversity is the Shannon entropy of the cluster-size distribution,
// normalized to [0, 1].
func diversity(clusters []models.Cluster) float64 {
	if len(clusters) < 2 {
		return 0
	}
	var total float64
	for _, c := range clusters {
		total += float64(c.Size)
	}
	var entropy float64
	for _, c := range clusters {
		p := float64(c.Size) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(clusters)))
}

func resultConfidence(r *models.BehavioralResult) models.ResultConfidence {
	sizes := make([]int, len(r.Clusters))
	sum := 0
	for i, c := range r.Clusters {
		sizes[i] = c.Size
		sum += c.Size
	}

	outlierRate := 0.0
	if r.TotalSessions > 0 {
		outlierRate = float64(r.NumOutliers) / float64(r.TotalSessions)
	}
	// Outlier rate only gates confidence once there is enough mass for
	// the rate to mean anything.
	rateOK := func(limit float64) bool {
		return r.TotalSessions < 200 || outlierRate <= limit
	}

	switch {
	case volumeReached(sizes, sum, 30, 80, 150) && rateOK(0.05):
		return models.ResultConfidenceHigh
	case volumeReached(sizes, sum, 10, 25, 50) && rateOK(0.10):
		return models.ResultConfidenceMedium
	default:
		return models.ResultConfidenceLow
	}
}

// volumeReached checks the tiered cluster-volume thresholds: one cluster
// of at least `one`, or two clusters totalling `two`, or three or more
// totalling `three`.
func volumeReached(sizes []int, sum, one, two, three int) bool {
	switch {
	case len(sizes) >= 1 && sizes[0] >= one:
		return true
	case len(sizes) >= 2 && sum >= two:
		return true
	case len(sizes) >= 3 && sum >= three:
		return true
	}
	return false
}

func valueRange(vals []float64) models.ValueRange {
	return models.ValueRange{
		Median: quantile(vals, 0.5),
		P10:    quantile(vals, 0.10),
		P90:    quantile(vals, 0.90),
	}
}

func topTools(feats []*models.SessionFeatures, n int) []string {
	counts := map[string]int{}
	for _, f := range feats {
		for _, t := range f.ToolsUsed {
			counts[t]++
		}
	}
	tools := make([]string, 0, len(counts))
	for t := range counts {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(a, b int) bool {
		if counts[tools[a]] != counts[tools[b]] {
			return counts[tools[a]] > counts[tools[b]]
		}
		return tools[a] < tools[b]
	})
	if len(tools) > n {
		tools = tools[:n]
	}
	return tools
}

// commonPrefix is the longest shared prefix of the members' collapsed
// tool sequences.
func commonPrefix(feats []*models.SessionFeatures) []string {
	if len(feats) == 0 || len(feats[0].ToolSequence) == 0 {
		return nil
	}
	prefix := append([]string(nil), feats[0].ToolSequence...)
	for _, f := range feats[1:] {
		n := 0
		for n < len(prefix) && n < len(f.ToolSequence) && prefix[n] == f.ToolSequence[n] {
			n++
		}
		prefix = prefix[:n]
		if len(prefix) == 0 {
			return nil
		}
	}
	return prefix
}

// commonModels are the models used by a majority of members.
func commonModels(feats []*models.SessionFeatures) []string {
	counts := map[string]int{}
	for _, f := range feats {
		for _, m := range f.Models {
			counts[m]++
		}
	}
	var out []string
	for m, n := range counts {
		if 2*n > len(feats) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func interpretCluster(c *models.Cluster) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d sessions (%.0f%%)", c.Size, c.Percentage)
	if len(c.TopTools) > 0 {
		fmt.Fprintf(&b, " centered on %s", strings.Join(c.TopTools, ", "))
	}
	fmt.Fprintf(&b, "; typically %.0fs and %.0f tokens", c.TypicalDuration.Median, c.TypicalTokens.Median)
	if len(c.CommonModels) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(c.CommonModels, ", "))
	}
	return b.String()
}

func interpretResult(r *models.BehavioralResult) string {
	if r.NumClusters == 0 {
		return fmt.Sprintf("No behavioral groups found across %d sessions; every session behaves uniquely.", r.TotalSessions)
	}
	return fmt.Sprintf(
		"%d behavioral group(s) cover %.0f%% of %d sessions; %d outlier(s). Stability %.2f, predictability %.2f.",
		r.NumClusters, 100*(1-float64(r.NumOutliers)/float64(r.TotalSessions)),
		r.TotalSessions, r.NumOutliers, r.StabilityScore, r.PredictabilityScore)
}
