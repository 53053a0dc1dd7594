// Package session tracks per-session security state across MCP tool calls:
// a monotonic taint flag and a time-windowed history of risk events.
package session

import (
	"time"
)

// DefaultWindow is the trailing window over which risk events are retained.
const DefaultWindow = 60 * time.Minute

// DefaultIdleTTL is how long an idle session survives before eviction.
const DefaultIdleTTL = 24 * time.Hour

// RiskEvent is one recorded classifier verdict for a session.
type RiskEvent struct {
	// Timestamp is when the event was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Risk is the classifier's score for the call, in [0,1].
	Risk float64 `json:"risk"`
	// Tool is the tool name that produced the event.
	Tool string `json:"tool"`
}

// Session is the security state for one agent session.
type Session struct {
	// ID is the opaque session identifier supplied by the agent,
	// or minted on first contact.
	ID string
	// Tainted records whether the session has ingested potentially-hostile
	// external content. Monotonic: once true, stays true.
	Tainted bool
	// TaintSource is the artifact that first caused the taint.
	// Empty while Tainted is false; immutable once set.
	TaintSource string
	// RiskEvents holds the retained risk history, oldest first.
	// Entries older than the trailing window are pruned on write.
	RiskEvents []RiskEvent
	// CreatedAt is when the session was first seen (UTC).
	CreatedAt time.Time
	// LastSeen is the last time the session was touched (UTC).
	LastSeen time.Time
}

// Prune drops risk events older than now minus window.
// Events are kept in order, so pruning is a single cut point.
func (s *Session) Prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.RiskEvents) && !s.RiskEvents[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		s.RiskEvents = append([]RiskEvent(nil), s.RiskEvents[i:]...)
	}
}

// AccumulatedRisk sums the risk of events within the trailing window.
// Pure: it does not mutate the event list.
func (s *Session) AccumulatedRisk(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	var sum float64
	for _, ev := range s.RiskEvents {
		if ev.Timestamp.After(cutoff) {
			sum += ev.Risk
		}
	}
	return sum
}

// IsIdle reports whether the session has been inactive longer than ttl.
func (s *Session) IsIdle(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastSeen) > ttl
}
