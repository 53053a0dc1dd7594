// Package risk defines the classifier contract and its assessment record.
package risk

// Assessment is the immutable verdict a classifier emits for one tool call.
type Assessment struct {
	// Risk is the probability-like threat score, in [0,1].
	Risk float64 `json:"risk_score"`
	// Confidence is how sure the classifier is of Risk, in [0,1].
	Confidence float64 `json:"confidence"`
	// Reason is a short human-readable explanation.
	Reason string `json:"reason"`
	// Tags are violation labels (e.g. "data_exfiltration").
	Tags []string `json:"violation_tags,omitempty"`
}

// Unavailable is the substitute assessment used when a classifier times out
// or returns garbage. Zero risk and zero confidence keep the probabilistic
// phases inert while the deterministic policy phases still run.
func Unavailable() Assessment {
	return Assessment{Risk: 0, Confidence: 0, Reason: "unavailable"}
}
