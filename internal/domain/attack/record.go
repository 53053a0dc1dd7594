// Package attack models forensic records of shadow-routed sessions: what
// tripped the routing, every call the agent made afterward, and what it was
// shown. Records are collected while the session lives and archived when it
// ends.
package attack

import (
	"context"
	"time"
)

// PreviewLimit caps how much of a tool response is kept per interaction.
// Full responses stay in the ledger pipeline; the archive keeps enough to
// reconstruct what the caller saw.
const PreviewLimit = 500

// Interaction is one shadow-routed tool call within an attack session.
type Interaction struct {
	Timestamp       time.Time              `json:"timestamp"`
	InteractionID   string                 `json:"interaction_id"`
	Tool            string                 `json:"tool_name"`
	Args            map[string]interface{} `json:"tool_args"`
	RiskScore       float64                `json:"risk_score"`
	ResponsePreview string                 `json:"response_preview"`
	AccumulatedRisk float64                `json:"accumulated_risk"`
	Context         map[string]interface{} `json:"context_snapshot"`
}

// Record is the complete forensic account of one attack session.
type Record struct {
	SessionID        string    `json:"session_id"`
	StartTime        time.Time `json:"start_time"`
	TriggerReason    string    `json:"trigger_reason"`
	TriggerRiskScore float64   `json:"trigger_risk_score"`
	UserID           string    `json:"user_id,omitempty"`
	UserRole         string    `json:"user_role,omitempty"`

	Interactions []Interaction `json:"interactions"`

	EndTime           time.Time `json:"end_time"`
	TotalInteractions int       `json:"total_interactions"`
	FinalRiskScore    float64   `json:"final_risk_score"`
}

// Append adds one interaction and rolls the running totals forward.
func (r *Record) Append(it Interaction) {
	r.Interactions = append(r.Interactions, it)
	r.TotalInteractions = len(r.Interactions)
	r.FinalRiskScore = it.AccumulatedRisk
}

// Finalize stamps the session end.
func (r *Record) Finalize(now time.Time) {
	r.EndTime = now
}

// Duration is the session's wall-clock span. Zero until finalized.
func (r *Record) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Preview truncates a response body to PreviewLimit characters without
// splitting a multibyte rune.
func Preview(s string) string {
	if len(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= PreviewLimit {
		return s
	}
	return string(runes[:PreviewLimit])
}

// SnapshotContext keeps only the context fields with forensic value.
func SnapshotContext(callCtx map[string]interface{}) map[string]interface{} {
	snap := make(map[string]interface{}, 4)
	for _, k := range []string{"user_id", "user_role", "source", "is_tainted"} {
		if v, ok := callCtx[k]; ok {
			snap[k] = v
		}
	}
	return snap
}

// Archive persists finalized records. Implementations must tolerate repeated
// saves of the same session; the last write wins.
type Archive interface {
	Save(ctx context.Context, rec *Record) error
	Close() error
}

// NopArchive discards records. Used when archiving is disabled.
type NopArchive struct{}

func (NopArchive) Save(context.Context, *Record) error { return nil }
func (NopArchive) Close() error                        { return nil }

var _ Archive = NopArchive{}
