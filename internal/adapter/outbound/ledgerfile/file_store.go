// Package ledgerfile persists the routing ledger as a single append-only
// JSON Lines file with hash chaining across entries.
package ledgerfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chimera-gw/chimera/internal/domain/ledger"
)

const (
	// DefaultFlushInterval bounds how long an appended entry may sit in OS
	// buffers before fsync.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultRetryCapacity bounds the queue of sealed lines awaiting retry
	// after a failed write.
	DefaultRetryCapacity = 1024

	// fatalThreshold is the number of consecutive write failures after which
	// the store raises its Fatal signal.
	fatalThreshold = 5

	// scannerInitialBufSize is the initial buffer size for the recovery scanner.
	scannerInitialBufSize = 256 * 1024

	// scannerMaxBufSize is the maximum line size the recovery scanner accepts.
	scannerMaxBufSize = 1024 * 1024
)

// Config holds configuration for the file-backed ledger store.
type Config struct {
	// Path is the ledger file location. Parent directories are created.
	Path string
	// Genesis anchors the chain; empty selects ledger.GenesisHash.
	Genesis string
	// FlushInterval overrides DefaultFlushInterval when positive.
	FlushInterval time.Duration
	// RetryCapacity overrides DefaultRetryCapacity when positive.
	RetryCapacity int
	// WriteFailures, when set, is incremented once per failed write attempt.
	WriteFailures prometheus.Counter
}

// FileStore implements ledger.Store over a single append-only file. There is
// no rotation: the hash chain spans the whole file and verification replays
// it from the genesis anchor, so splitting the file would sever the chain.
//
// Writes that fail are queued in seal order and retried by the flush loop;
// the on-disk chain stays intact because lines only ever reach the file in
// the order they were sealed. Repeated consecutive failures raise Fatal.
type FileStore struct {
	path    string
	genesis string
	logger  *slog.Logger

	mu          sync.Mutex
	file        *os.File
	lastHash    string
	retry       [][]byte
	retryCap    int
	consecFails int
	missedFlush int
	dropped     int
	closed      bool

	failures prometheus.Counter
	fatal    chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewFileStore opens or creates the ledger file, recovers the chain tail
// from its last well-formed line, and starts the flush loop.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.Genesis == "" {
		cfg.Genesis = ledger.GenesisHash
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RetryCapacity <= 0 {
		cfg.RetryCapacity = DefaultRetryCapacity
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	last, err := recoverLastHash(cfg.Path, cfg.Genesis, logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		path:     cfg.Path,
		genesis:  cfg.Genesis,
		logger:   logger,
		file:     f,
		lastHash: last,
		retryCap: cfg.RetryCapacity,
		failures: cfg.WriteFailures,
		fatal:    make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.flushLoop(ctx, cfg.FlushInterval)

	return s, nil
}

// recoverLastHash scans the file forward and returns the hash of the last
// well-formed line. A malformed tail (torn write, manual edit) is logged and
// skipped here; chain verification is the place that rejects it.
func recoverLastHash(path, genesis string, logger *slog.Logger) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open ledger for recovery: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := genesis
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var tail struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(line, &tail); err != nil || tail.Hash == "" {
			logger.Warn("ledger recovery: skipping malformed line", "path", path, "line", lineNo)
			continue
		}
		last = tail.Hash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan ledger: %w", err)
	}

	return last, nil
}

// Append seals the entry onto the chain and writes it as one JSON line.
// A failed write is recovered locally: the sealed line is queued for the
// flush loop and the call still succeeds, because routing must not stall
// on ledger I/O. Only sealing or marshalling problems surface as errors.
func (s *FileStore) Append(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("ledger store is closed")
	}

	e.EventID = ulid.Make().String()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := ledger.Seal(&e, s.lastHash); err != nil {
		return fmt.Errorf("seal ledger entry: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line := append(data, '\n')
	s.lastHash = e.Hash

	if len(s.retry) > 0 {
		// Earlier lines are still pending; keep strict seal order on disk.
		s.enqueueLocked(line)
		s.drainLocked()
		return nil
	}

	if err := s.writeLocked(line); err != nil {
		s.recordFailureLocked(err)
		s.enqueueLocked(line)
	}
	return nil
}

// Flush drains pending lines and syncs the file.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.drainLocked()
	if len(s.retry) > 0 {
		return fmt.Errorf("ledger flush: %d lines still pending", len(s.retry))
	}
	return s.file.Sync()
}

// Close stops the flush loop, makes a final drain attempt, and closes the
// file. Missed flushes and dropped lines accumulated over the store's
// lifetime are reported here.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainLocked()
	if n := len(s.retry); n > 0 {
		s.logger.Error("ledger closing with unwritten entries", "pending", n, "path", s.path)
	}
	if s.missedFlush > 0 {
		s.logger.Warn("ledger missed flushes during run", "count", s.missedFlush)
	}
	if s.dropped > 0 {
		s.logger.Error("ledger dropped entries under sustained write failure", "count", s.dropped)
	}

	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// Fatal signals sustained ledger write failure. The process supervisor
// should treat a receive as a shutdown condition: the gateway must not keep
// routing calls it cannot record.
func (s *FileStore) Fatal() <-chan error {
	return s.fatal
}

// LastHash returns the current chain tail.
func (s *FileStore) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

// ReadAll parses every line of the ledger file, oldest first. Used by chain
// verification and the ledger CLI; malformed lines are returned as errors
// here because a verifier must not silently skip content.
func ReadAll(path string) ([]ledger.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []ledger.Entry
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e ledger.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	return entries, nil
}

// Verify replays the chain over the whole file against the store's genesis.
func (s *FileStore) Verify() error {
	entries, err := ReadAll(s.path)
	if err != nil {
		return err
	}
	return ledger.VerifyChain(entries, s.genesis)
}

// flushLoop periodically drains the retry queue and syncs the file.
func (s *FileStore) flushLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.drainLocked()
			pending := len(s.retry)
			var err error
			if pending == 0 {
				err = s.file.Sync()
			}
			if pending > 0 || err != nil {
				s.missedFlush++
			}
			s.mu.Unlock()
		}
	}
}

// writeLocked writes one line and resets the consecutive failure count.
// Must be called with s.mu held.
func (s *FileStore) writeLocked(line []byte) error {
	if _, err := s.file.Write(line); err != nil {
		return err
	}
	s.consecFails = 0
	return nil
}

// enqueueLocked adds a sealed line to the retry queue. Overflow drops the
// oldest line, which permanently severs the on-disk chain, so it also
// raises the fatal signal. Must be called with s.mu held.
func (s *FileStore) enqueueLocked(line []byte) {
	if len(s.retry) >= s.retryCap {
		s.retry = s.retry[1:]
		s.dropped++
		s.raiseFatalLocked(fmt.Errorf("ledger retry queue overflow at %d lines", s.retryCap))
	}
	s.retry = append(s.retry, line)
}

// drainLocked retries queued lines in order, stopping at the first failure.
// Must be called with s.mu held.
func (s *FileStore) drainLocked() {
	for len(s.retry) > 0 {
		if err := s.writeLocked(s.retry[0]); err != nil {
			s.recordFailureLocked(err)
			return
		}
		s.retry = s.retry[1:]
	}
}

// recordFailureLocked accounts one failed write attempt and escalates to
// Fatal once failures are sustained. Must be called with s.mu held.
func (s *FileStore) recordFailureLocked(err error) {
	s.consecFails++
	if s.failures != nil {
		s.failures.Inc()
	}
	s.logger.Error("ledger write failed", "error", err, "consecutive", s.consecFails)

	if s.consecFails >= fatalThreshold {
		s.raiseFatalLocked(fmt.Errorf("ledger write failing persistently: %w", err))
	}
}

// raiseFatalLocked delivers the fatal signal without blocking.
func (s *FileStore) raiseFatalLocked(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Compile-time interface verification.
var _ ledger.Store = (*FileStore)(nil)
