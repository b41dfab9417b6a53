package model

// GlobalTarget is the target bucket every evaluation summary is folded into.
// Aggregating per identity would make the payload grow with traffic.
const GlobalTarget = "__global__cf_target"

// MetricsBatch is one flush of usage metrics sent to the authority.
type MetricsBatch struct {
	SDKInstance string           `json:"sdkInstance"`
	Timestamp   int64            `json:"timestamp"`
	Summaries   []MetricsSummary `json:"metricsData,omitempty"`
	Targets     []TargetData     `json:"targetData,omitempty"`
}

// MetricsSummary counts how many times a variation of a flag was served.
type MetricsSummary struct {
	FlagIdentifier      string `json:"featureIdentifier"`
	VariationIdentifier string `json:"variationIdentifier"`
	Target              string `json:"target"`
	Count               int64  `json:"count"`
}

// TargetData registers an identity with the authority, attributes already redacted.
type TargetData struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// IsEmpty reports whether the batch carries nothing worth sending.
func (b MetricsBatch) IsEmpty() bool {
	return len(b.Summaries) == 0 && len(b.Targets) == 0
}
