package session

import (
	"context"
	"errors"
	"time"
)

// SessionStore provides session persistence.
// This interface is defined in the domain to avoid circular imports.
// Implementations: Redis (prod), in-memory (default).
//
// All operations on a single session are serialized by the implementation;
// operations on distinct sessions may proceed in parallel.
type SessionStore interface {
	// Touch returns the session with the given id, creating it if unknown.
	// Updates LastSeen.
	Touch(ctx context.Context, id string) (*Session, error)

	// Get retrieves a session by ID without creating it.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// MarkTainted sets the taint flag. Idempotent: the first call records
	// source; later calls are no-ops. The flag never clears.
	MarkTainted(ctx context.Context, id, source string) error

	// RecordRisk appends a risk event at now and prunes events older than
	// the trailing window.
	RecordRisk(ctx context.Context, id string, risk float64, tool string, now time.Time) error

	// AccumulatedRisk sums the retained risk events within the trailing
	// window ending at now. Pure read of current state.
	AccumulatedRisk(ctx context.Context, id string, now time.Time) (float64, error)

	// Stop shuts down any background work (cleanup goroutines, connections).
	Stop()
}

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")
