// Package service contains application services.
package service

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	celeval "github.com/chimera-gw/chimera/internal/adapter/outbound/cel"
	"github.com/chimera-gw/chimera/internal/domain/policy"
	"github.com/chimera-gw/chimera/internal/domain/taint"
)

// policySnapshot is the immutable compiled form of one manifest, stored in
// atomic.Value so the hot path reads it lock-free.
type policySnapshot struct {
	evaluator *policy.Evaluator
	manifest  *policy.Manifest
	inspector *taint.Inspector
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// ResultCache provides bounded LRU caching for routing decisions.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision. Returns (decision, true) on hit, (zero, false) on miss.
// On hit, the entry is promoted to the head (most recently used).
func (c *ResultCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision in the cache. If at capacity, the least recently used entry is evicted.
func (c *ResultCache) Put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	// Evict LRU entry if at capacity.
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on policy reload.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeDecisionKey hashes the full evaluation input. Args and context are
// serialized as JSON (encoding/json sorts map keys, so equal maps hash
// equally); the risk numbers contribute their exact bit patterns because a
// rounded bucket could land on the other side of a threshold. The second
// return is false when the input cannot be serialized, which disables
// caching for that call.
func computeDecisionKey(in policy.Input) (uint64, bool) {
	h := xxhash.New()

	_, _ = h.WriteString(in.Tool)
	_, _ = h.Write([]byte{0}) // separator

	if len(in.Args) > 0 {
		argsJSON, err := json.Marshal(in.Args)
		if err != nil {
			return 0, false
		}
		_, _ = h.Write(argsJSON)
	}
	_, _ = h.Write([]byte{0})

	if len(in.Context) > 0 {
		ctxJSON, err := json.Marshal(in.Context)
		if err != nil {
			return 0, false
		}
		_, _ = h.Write(ctxJSON)
	}
	_, _ = h.Write([]byte{0})

	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:], math.Float64bits(in.EventRisk))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(in.Confidence))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(in.AccumulatedRisk))
	_, _ = h.Write(buf[:])

	return h.Sum64(), true
}

// PolicyService implements policy.Engine over a manifest loaded from disk.
// The compiled evaluator lives in an immutable snapshot behind atomic.Value,
// so evaluation never takes a lock; Reload compiles a fresh snapshot off to
// the side and swaps it in. Decisions are memoized in a bounded LRU keyed by
// the full evaluation input.
type PolicyService struct {
	path     string
	compiler *celeval.Compiler
	snapshot atomic.Value // stores *policySnapshot
	mu       sync.Mutex   // Only for Reload() writes
	cache    *ResultCache
	logger   *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// NewPolicyService loads, validates, and compiles the manifest at path.
// Load-time manifest errors (duplicate ids, unknown operators, uncompilable
// expressions) are returned here so the gateway refuses to start on a broken
// policy.
func NewPolicyService(path string, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	compiler, err := celeval.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("create expression compiler: %w", err)
	}

	s := &PolicyService{
		path:     path,
		compiler: compiler,
		cache:    NewResultCache(1000), // Default 1000 entries
		logger:   logger,
	}

	// Apply options (may override default cache)
	for _, opt := range opts {
		opt(s)
	}

	snap, err := s.compileManifest()
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)

	logger.Info("policy service initialized",
		"manifest", path,
		"phases", len(snap.evaluator.Order()),
		"rules", countRules(snap.manifest),
		"cache_max_size", s.cache.maxSize,
	)

	return s, nil
}

// compileManifest reads the manifest from disk and builds a fresh snapshot.
func (s *PolicyService) compileManifest() (*policySnapshot, error) {
	m, err := policy.Load(s.path)
	if err != nil {
		return nil, err
	}

	programs, err := s.compiler.CompileManifest(m)
	if err != nil {
		return nil, err
	}

	red, green := m.Taint.Red, m.Taint.Green
	if len(red) == 0 && len(green) == 0 {
		red, green = taint.DefaultRed, taint.DefaultGreen
	}
	inspector, err := taint.NewInspector(red, green, taint.Trust(m.Taint.DefaultTrust))
	if err != nil {
		return nil, fmt.Errorf("taint patterns: %w", err)
	}

	return &policySnapshot{
		evaluator: policy.NewEvaluator(m, programs, s.logger),
		manifest:  m,
		inspector: inspector,
	}, nil
}

// loadSnapshot returns the current snapshot atomically (lock-free).
func (s *PolicyService) loadSnapshot() *policySnapshot {
	return s.snapshot.Load().(*policySnapshot)
}

// Evaluate returns the routing decision for one tool call. Results are
// cached by the full input; fallback decisions are never cached so a
// transient evaluator failure is retried on the next identical call.
func (s *PolicyService) Evaluate(in policy.Input) policy.Decision {
	key, cacheable := computeDecisionKey(in)

	if cacheable {
		if decision, ok := s.cache.Get(key); ok {
			return decision
		}
	}

	// Lock-free read - no mutex needed
	decision := s.loadSnapshot().evaluator.Evaluate(in)

	if cacheable && !decision.Fallback {
		s.cache.Put(key, decision)
	}
	return decision
}

// SuspiciousQuery reports whether serialized arguments trip a configured
// keyword.
func (s *PolicyService) SuspiciousQuery(args map[string]interface{}) bool {
	return s.loadSnapshot().evaluator.SuspiciousQuery(args)
}

// Category returns the category label for a tool, or empty.
func (s *PolicyService) Category(tool string) string {
	return s.loadSnapshot().evaluator.Category(tool)
}

// Inspector returns the taint inspector compiled from the active manifest.
func (s *PolicyService) Inspector() *taint.Inspector {
	return s.loadSnapshot().inspector
}

// Manifest returns the active manifest.
func (s *PolicyService) Manifest() *policy.Manifest {
	return s.loadSnapshot().manifest
}

// Reload re-reads and recompiles the manifest from disk, then swaps it in.
// Safe to call concurrently with Evaluate; on error the active snapshot is
// left untouched.
func (s *PolicyService) Reload() error {
	// Compile outside the lock; only the swap is serialized.
	snap, err := s.compileManifest()
	if err != nil {
		return fmt.Errorf("reload policy manifest: %w", err)
	}

	s.mu.Lock()
	s.snapshot.Store(snap)
	s.mu.Unlock()

	// Clear cache on reload (rules changed, cached decisions may be stale).
	s.cache.Clear()

	s.logger.Info("policy manifest reloaded",
		"manifest", s.path,
		"phases", len(snap.evaluator.Order()),
		"rules", countRules(snap.manifest),
		"cache_cleared", true,
	)
	return nil
}

// countRules counts the routing rules across all phases of a manifest.
func countRules(m *policy.Manifest) int {
	n := len(m.TrustedWorkflows) + len(m.SecurityPolicies)
	n += len(m.Directives.Users) + len(m.Directives.Roles)
	if m.AccumulatedRisk != nil {
		n++
	}
	if m.EventRisk != nil {
		n++
	}
	for _, rules := range m.Expressions {
		n += len(rules)
	}
	return n
}

// Compile-time interface verification.
var _ policy.Engine = (*PolicyService)(nil)
