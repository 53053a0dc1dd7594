// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chimera-gw/chimera/internal/domain/session"
)

// DefaultCleanupInterval is how often the background sweep looks for idle sessions.
const DefaultCleanupInterval = 1 * time.Minute

// MemorySessionStore implements session.SessionStore with an in-memory map.
// Thread-safe for concurrent access. Suitable for single-instance deployments;
// use the Redis store when gateway replicas must share session state.
// A background cleanup goroutine evicts idle sessions periodically.
type MemorySessionStore struct {
	sessions        map[string]*session.Session
	mu              sync.RWMutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	window          time.Duration
	idleTTL         time.Duration
	cleanupInterval time.Duration
	onEvict         func(*session.Session)
	once            sync.Once // Prevent double-close panic on Stop()
}

// NewSessionStore creates an in-memory session store with default
// risk window, idle TTL, and cleanup interval.
func NewSessionStore() *MemorySessionStore {
	return NewSessionStoreWithConfig(session.DefaultWindow, session.DefaultIdleTTL, DefaultCleanupInterval)
}

// NewSessionStoreWithConfig creates an in-memory session store with a custom
// risk accumulation window, idle eviction TTL, and cleanup interval.
func NewSessionStoreWithConfig(window, idleTTL, cleanupInterval time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		window:          window,
		idleTTL:         idleTTL,
		cleanupInterval: cleanupInterval,
	}
}

// OnEvict registers a hook invoked with a copy of each session removed by the
// background sweep. Set it before StartCleanup. The hook runs outside the
// store lock, so it may call back into the store.
func (s *MemorySessionStore) OnEvict(fn func(*session.Session)) {
	s.onEvict = fn
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically evicts sessions idle longer than the TTL.
// Call Stop() to stop the cleanup goroutine gracefully.
func (s *MemorySessionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup evicts all idle sessions from the store.
func (s *MemorySessionStore) cleanup() {
	now := time.Now().UTC()

	s.mu.Lock()
	var evicted []*session.Session
	for id, sess := range s.sessions {
		if sess.IsIdle(now, s.idleTTL) {
			evicted = append(evicted, copySession(sess))
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	if s.onEvict != nil {
		for _, sess := range evicted {
			s.onEvict(sess)
		}
	}
	slog.Debug("evicted idle sessions", "count", len(evicted))
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemorySessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Touch returns the session with the given id, creating it on first contact.
// Updates LastSeen.
func (s *MemorySessionStore) Touch(ctx context.Context, id string) (*session.Session, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = &session.Session{
			ID:        id,
			CreatedAt: now,
			LastSeen:  now,
		}
		s.sessions[id] = sess
	} else {
		sess.LastSeen = now
	}

	// Return a copy to prevent mutation
	return copySession(sess), nil
}

// Get retrieves a session by ID without creating it.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrSessionNotFound
	}

	// Return a copy to prevent mutation
	return copySession(sess), nil
}

// MarkTainted sets the taint flag. The first call records the source;
// later calls are no-ops. The flag never clears.
func (s *MemorySessionStore) MarkTainted(ctx context.Context, id, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}

	if !sess.Tainted {
		sess.Tainted = true
		sess.TaintSource = source
	}
	return nil
}

// RecordRisk appends a risk event at now and prunes events that have
// fallen out of the trailing window.
func (s *MemorySessionStore) RecordRisk(ctx context.Context, id string, risk float64, tool string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}

	sess.RiskEvents = append(sess.RiskEvents, session.RiskEvent{
		Timestamp: now,
		Risk:      risk,
		Tool:      tool,
	})
	sess.Prune(now, s.window)
	sess.LastSeen = now
	return nil
}

// AccumulatedRisk sums the retained risk events within the trailing window
// ending at now.
func (s *MemorySessionStore) AccumulatedRisk(ctx context.Context, id string, now time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, session.ErrSessionNotFound
	}
	return sess.AccumulatedRisk(now, s.window), nil
}

// Size returns the number of sessions currently stored.
// Useful for testing cleanup behavior.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// copySession creates a deep copy of a session.
func copySession(sess *session.Session) *session.Session {
	sessCopy := &session.Session{
		ID:          sess.ID,
		Tainted:     sess.Tainted,
		TaintSource: sess.TaintSource,
		CreatedAt:   sess.CreatedAt,
		LastSeen:    sess.LastSeen,
		RiskEvents:  make([]session.RiskEvent, len(sess.RiskEvents)),
	}
	copy(sessCopy.RiskEvents, sess.RiskEvents)
	return sessCopy
}

// Compile-time interface verification.
var _ session.SessionStore = (*MemorySessionStore)(nil)
