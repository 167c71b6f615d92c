package models

// ClusterConfidence reflects how many members back a cluster's statistics.
type ClusterConfidence string

const (
	ClusterConfidenceNormal ClusterConfidence = "normal"
	ClusterConfidenceLow    ClusterConfidence = "low"
)

// ValueRange is a typical range for one cluster dimension.
type ValueRange struct {
	Median float64 `json:"median"`
	P10    float64 `json:"p10"`
	P90    float64 `json:"p90"`
}

// Cluster is one connected component of behaviorally similar sessions.
type Cluster struct {
	ID              int               `json:"id"`
	Size            int               `json:"size"`
	Percentage      float64           `json:"percentage"`
	SessionIDs      []string          `json:"session_ids"`
	TypicalDuration ValueRange        `json:"typical_duration"`
	TypicalTokens   ValueRange        `json:"typical_tokens"`
	TypicalCalls    ValueRange        `json:"typical_tool_calls"`
	TopTools        []string          `json:"top_tools,omitempty"`
	CommonSequence  []string          `json:"common_sequence,omitempty"`
	CommonModels    []string          `json:"common_models,omitempty"`
	Interpretation  string            `json:"interpretation,omitempty"`
	Confidence      ClusterConfidence `json:"confidence"`
}

// OutlierSeverity bins an outlier's distance to the nearest centroid.
type OutlierSeverity string

const (
	OutlierLow      OutlierSeverity = "low"
	OutlierMedium   OutlierSeverity = "medium"
	OutlierHigh     OutlierSeverity = "high"
	OutlierCritical OutlierSeverity = "critical"
)

// Outlier is a session whose signature sits apart from every cluster.
type Outlier struct {
	SessionID      string          `json:"session_id"`
	NearestCluster int             `json:"nearest_cluster"`
	Distance       float64         `json:"distance"`
	Severity       OutlierSeverity `json:"severity"`
	PrimaryCauses  []string        `json:"primary_causes,omitempty"`
}

// CentroidDistance reports Jaccard distance between two cluster centroids.
type CentroidDistance struct {
	ClusterA int     `json:"cluster_a"`
	ClusterB int     `json:"cluster_b"`
	Distance float64 `json:"distance"`
}

// ResultConfidence grades the behavioral result as a whole.
type ResultConfidence string

const (
	ResultConfidenceHigh   ResultConfidence = "high"
	ResultConfidenceMedium ResultConfidence = "medium"
	ResultConfidenceLow    ResultConfidence = "low"
)

// BehavioralResult is the output of one behavioral analysis run.
type BehavioralResult struct {
	TotalSessions       int                `json:"total_sessions"`
	NumClusters         int                `json:"num_clusters"`
	NumOutliers         int                `json:"num_outliers"`
	StabilityScore      float64            `json:"stability_score"`
	PredictabilityScore float64            `json:"predictability_score"`
	ClusterDiversity    float64            `json:"cluster_diversity"`
	Clusters            []Cluster          `json:"clusters,omitempty"`
	Outliers            []Outlier          `json:"outliers,omitempty"`
	CentroidDistances   []CentroidDistance `json:"centroid_distances,omitempty"`
	Confidence          ResultConfidence   `json:"confidence"`
	Interpretation      string             `json:"interpretation,omitempty"`
}

// CheckStatus is the outcome of one security check.
type CheckStatus string

const (
	CheckPassed   CheckStatus = "passed"
	CheckWarning  CheckStatus = "warning"
	CheckCritical CheckStatus = "critical"
)

// AssessmentCheck is one categorized security check result.
type AssessmentCheck struct {
	Category        string         `json:"category"`
	CheckID         string         `json:"check_id"`
	Status          CheckStatus    `json:"status"`
	Value           string         `json:"value"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// SecurityReport aggregates the checks of one assessment run.
type SecurityReport struct {
	OverallStatus  CheckStatus       `json:"overall_status"`
	TotalChecks    int               `json:"total_checks"`
	CriticalIssues int               `json:"critical_issues"`
	Warnings       int               `json:"warnings"`
	PassedChecks   int               `json:"passed_checks"`
	Checks         []AssessmentCheck `json:"checks"`
}

// Rollup recomputes the report's aggregate fields from its checks.
func (r *SecurityReport) Rollup() {
	r.TotalChecks = len(r.Checks)
	r.CriticalIssues = 0
	r.Warnings = 0
	r.PassedChecks = 0
	for _, c := range r.Checks {
		switch c.Status {
		case CheckCritical:
			r.CriticalIssues++
		case CheckWarning:
			r.Warnings++
		default:
			r.PassedChecks++
		}
	}
	switch {
	case r.CriticalIssues > 0:
		r.OverallStatus = CheckCritical
	case r.Warnings > 0:
		r.OverallStatus = CheckWarning
	default:
		r.OverallStatus = CheckPassed
	}
}
