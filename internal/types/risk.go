package types

// RiskResult is the output of the risk calculator for one message.
// Score is RawScore clamped to [0,100]; RawScore is retained for diagnostics.
type RiskResult struct {
	Score    int `json:"score"`
	RawScore int `json:"raw_score"`

	Verdict    Verdict    `json:"verdict"`
	ThreatType ThreatType `json:"threat_type"`

	ProfileScore  int `json:"profile_score"`
	ContentScore  int `json:"content_score"`
	BehaviorScore int `json:"behavior_score"`
	NetworkScore  int `json:"network_score"`
	TrustAdjust   int `json:"trust_adjust"`

	NeedsLLM bool `json:"needs_llm"`

	ContributingFactors []string `json:"contributing_factors"`
	MitigatingFactors   []string `json:"mitigating_factors"`

	Confidence float64 `json:"confidence"` // in [0,1]

	Signals SignalSet `json:"signals"`
}
