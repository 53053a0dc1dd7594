// Package ledger defines the tamper-evident routing ledger: line-delimited
// JSON entries chained by hash, one per intercepted call. The chain makes
// after-the-fact deletion or edits detectable; truncation breaks it.
package ledger

import (
	"context"
	"time"
)

// Event types recorded in the ledger.
const (
	// EventToolInterception is the normal per-call record.
	EventToolInterception = "TOOL_INTERCEPTION"
	// EventPolicyFallback records an evaluator failure that fell through
	// to the manifest's default action.
	EventPolicyFallback = "POLICY_FALLBACK"
	// EventToolTimeout records a backend forward that exceeded its
	// deadline.
	EventToolTimeout = "TOOL_TIMEOUT"
)

// Outcome status values.
const (
	OutcomeForwarded = "forwarded"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Trigger records what fired the routing decision.
type Trigger struct {
	RuleID          string   `json:"rule_id"`
	Phase           string   `json:"phase,omitempty"`
	Reason          string   `json:"reason"`
	RiskScore       float64  `json:"risk_score"`
	Confidence      float64  `json:"confidence"`
	AccumulatedRisk float64  `json:"accumulated_risk"`
	Tags            []string `json:"tags,omitempty"`
}

// Action records what the gateway did about it.
type Action struct {
	Route     string `json:"route"`
	WarrantID string `json:"warrant_id,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
}

// Outcome records how the forwarded call ended.
type Outcome struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Entry is one immutable line of the ledger. Hash covers every field except
// itself, concatenated with the previous entry's hash, so each line commits
// to the whole history before it.
type Entry struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool_name,omitempty"`

	Args    map[string]interface{} `json:"tool_args,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`

	Trigger Trigger `json:"trigger"`
	Action  Action  `json:"action"`
	Outcome Outcome `json:"outcome"`

	// RiskHistoryLength is the session's event count inside the window at
	// decision time.
	RiskHistoryLength int `json:"risk_history_length"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash,omitempty"`
}

// Store is the append surface of the ledger. Implementations serialize
// appends; the append order is the ledger order.
type Store interface {
	// Append seals the entry onto the chain and persists it. The entry's
	// EventID, PrevHash, and Hash are assigned by the store.
	Append(ctx context.Context, e Entry) error
	// Close flushes and releases the underlying file.
	Close() error
}

// NopStore discards entries. Used when the ledger is disabled and in tests
// that do not care about logging.
type NopStore struct{}

func (NopStore) Append(context.Context, Entry) error { return nil }
func (NopStore) Close() error                        { return nil }

var _ Store = NopStore{}
