package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-gw/chimera/internal/domain/attack"
)

// CapturedCall is one shadow-routed tool call as seen by the interceptor,
// response included.
type CapturedCall struct {
	Tool            string
	Args            map[string]interface{}
	Risk            float64
	AccumulatedRisk float64
	Response        string
	Context         map[string]interface{}
}

// AttackService tracks sessions that have been routed to the shadow plane.
// A record opens on the first shadow decision, grows with every shadow call,
// and is archived when the session ends or the gateway shuts down.
type AttackService struct {
	archive attack.Archive
	clock   func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*attack.Record
}

// AttackServiceOption configures an AttackService.
type AttackServiceOption func(*AttackService)

// WithAttackClock overrides the time source. Tests use this to pin
// timestamps.
func WithAttackClock(clock func() time.Time) AttackServiceOption {
	return func(s *AttackService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewAttackService creates the tracker over the given archive.
func NewAttackService(archive attack.Archive, logger *slog.Logger, opts ...AttackServiceOption) *AttackService {
	s := &AttackService{
		archive: archive,
		clock:   time.Now,
		logger:  logger,
		active:  make(map[string]*attack.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active reports whether the session is currently tracked.
func (s *AttackService) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// StartSession opens a record for a session on its first shadow routing.
// Starting an already-tracked session is a no-op.
func (s *AttackService) StartSession(sessionID, reason string, riskScore float64, callCtx map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[sessionID]; ok {
		s.logger.Warn("attack session already active", "session_id", sessionID)
		return
	}

	rec := &attack.Record{
		SessionID:        sessionID,
		StartTime:        s.clock().UTC(),
		TriggerReason:    reason,
		TriggerRiskScore: riskScore,
	}
	if v, ok := callCtx["user_id"].(string); ok {
		rec.UserID = v
	}
	if v, ok := callCtx["user_role"].(string); ok {
		rec.UserRole = v
	}
	s.active[sessionID] = rec

	s.logger.Warn("attack session started",
		"session_id", sessionID,
		"reason", reason,
		"risk_score", riskScore,
	)
}

// RecordInteraction appends one shadow-routed call to the session's record.
// Calls for sessions that were never started are dropped with an error log;
// the routing pipeline must not fail over bookkeeping.
func (s *AttackService) RecordInteraction(sessionID string, call CapturedCall) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[sessionID]
	if !ok {
		s.logger.Error("interaction for unknown attack session", "session_id", sessionID, "tool", call.Tool)
		return
	}

	rec.Append(attack.Interaction{
		Timestamp:       s.clock().UTC(),
		InteractionID:   uuid.NewString(),
		Tool:            call.Tool,
		Args:            call.Args,
		RiskScore:       call.Risk,
		ResponsePreview: attack.Preview(call.Response),
		AccumulatedRisk: call.AccumulatedRisk,
		Context:         attack.SnapshotContext(call.Context),
	})

	s.logger.Info("attack interaction recorded",
		"session_id", sessionID,
		"tool", call.Tool,
		"risk_score", call.Risk,
	)
}

// EndSession finalizes and archives the session's record. Unknown sessions
// are ignored. Wired as the session store's eviction hook.
func (s *AttackService) EndSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	rec, ok := s.active[sessionID]
	if ok {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("end of untracked session", "session_id", sessionID)
		return
	}

	s.finalize(ctx, rec)
}

// Shutdown archives every still-open record. Called once when the gateway
// stops.
func (s *AttackService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*attack.Record, 0, len(s.active))
	for _, rec := range s.active {
		open = append(open, rec)
	}
	s.active = make(map[string]*attack.Record)
	s.mu.Unlock()

	var errs []error
	for _, rec := range open {
		if err := s.finalize(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// finalize stamps the end time and persists the record.
func (s *AttackService) finalize(ctx context.Context, rec *attack.Record) error {
	rec.Finalize(s.clock().UTC())

	if err := s.archive.Save(ctx, rec); err != nil {
		s.logger.Error("archive attack record",
			"session_id", rec.SessionID,
			"error", err,
		)
		return err
	}

	s.logger.Warn("attack session archived",
		"session_id", rec.SessionID,
		"duration", rec.Duration(),
		"interactions", rec.TotalInteractions,
		"final_risk", rec.FinalRiskScore,
	)
	return nil
}
