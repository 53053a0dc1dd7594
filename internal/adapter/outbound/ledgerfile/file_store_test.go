package ledgerfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chimera-gw/chimera/internal/domain/ledger"
)

// testLogger returns a logger that only surfaces errors during tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// makeEntry creates a test ledger entry for the given tool and session.
func makeEntry(tool, sessionID string) ledger.Entry {
	return ledger.Entry{
		EventType: ledger.EventToolInterception,
		SessionID: sessionID,
		Tool:      tool,
		Args:      map[string]interface{}{"filename": "notes.txt"},
		Trigger: ledger.Trigger{
			RuleID:     "default",
			Reason:     "no rule matched",
			RiskScore:  0.1,
			Confidence: 1.0,
		},
		Action:  ledger.Action{Route: "production"},
		Outcome: ledger.Outcome{Status: ledger.OutcomeForwarded, LatencyMS: 12},
	}
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "subdir", "ledger", "chimera.jsonl")

	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("Expected directory, got file")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("Directory permissions = %o, want 0700", perm)
	}
}

func TestFileStore_AppendWritesChainedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	for _, tool := range []string{"read_file", "query_database", "list_files"} {
		if err := store.Append(ctx, makeEntry(tool, "sess-1")); err != nil {
			t.Fatalf("Append(%s) error: %v", tool, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadAll() returned %d entries, want 3", len(entries))
	}

	if entries[0].PrevHash != ledger.GenesisHash {
		t.Errorf("First entry PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("Entry %d PrevHash = %q, want %q", i, entries[i].PrevHash, entries[i-1].Hash)
		}
	}

	if err := ledger.VerifyChain(entries, ""); err != nil {
		t.Errorf("VerifyChain() error: %v", err)
	}
}

func TestFileStore_AssignsEventIDAndTimestamp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()

	// Zero timestamp gets stamped at append time.
	if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// A caller-provided timestamp is preserved.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withTS := makeEntry("query_database", "sess-1")
	withTS.Timestamp = fixed
	if err := store.Append(ctx, withTS); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadAll() returned %d entries, want 2", len(entries))
	}

	for i, e := range entries {
		if len(e.EventID) != 26 {
			t.Errorf("Entry %d EventID = %q, want 26-char ULID", i, e.EventID)
		}
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("Entry 0 timestamp should be stamped at append time")
	}
	if time.Since(entries[0].Timestamp) > time.Minute {
		t.Errorf("Entry 0 timestamp = %v, want recent", entries[0].Timestamp)
	}
	if !entries[1].Timestamp.Equal(fixed) {
		t.Errorf("Entry 1 timestamp = %v, want %v", entries[1].Timestamp, fixed)
	}
}

func TestFileStore_GenesisOverride(t *testing.T) {
	t.Parallel()

	genesis := strings.Repeat("ab", 32)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path, Genesis: genesis}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	if err := store.Append(context.Background(), makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if entries[0].PrevHash != genesis {
		t.Errorf("PrevHash = %q, want custom genesis", entries[0].PrevHash)
	}

	if err := ledger.VerifyChain(entries, genesis); err != nil {
		t.Errorf("VerifyChain() with custom genesis error: %v", err)
	}
	if err := ledger.VerifyChain(entries, ""); !errors.Is(err, ledger.ErrChainBroken) {
		t.Errorf("VerifyChain() with default genesis error = %v, want ErrChainBroken", err)
	}
}

func TestFileStore_ChainContinuesAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Append(ctx, makeEntry("query_database", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	tail := store.LastHash()
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error: %v", err)
	}
	if got := reopened.LastHash(); got != tail {
		t.Errorf("Recovered LastHash = %q, want %q", got, tail)
	}
	if err := reopened.Append(ctx, makeEntry("list_files", "sess-2")); err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}
	_ = reopened.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadAll() returned %d entries, want 3", len(entries))
	}
	if entries[2].PrevHash != tail {
		t.Errorf("Entry after reopen PrevHash = %q, want %q", entries[2].PrevHash, tail)
	}
	if err := ledger.VerifyChain(entries, ""); err != nil {
		t.Errorf("VerifyChain() across reopen error: %v", err)
	}
}

func TestFileStore_RecoveryAnchorsPastMalformedTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Append(ctx, makeEntry("query_database", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	tail := store.LastHash()
	_ = store.Close()

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	_, _ = f.WriteString(`{"event_id":"torn`)
	_ = f.Close()

	reopened, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	// The chain anchors to the last well-formed line, not the torn one.
	if got := reopened.LastHash(); got != tail {
		t.Errorf("Recovered LastHash = %q, want %q", got, tail)
	}

	// Verification does not skip the torn line.
	if _, err := ReadAll(path); err == nil {
		t.Error("ReadAll() should report the torn line")
	}
}

func TestFileStore_VerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	for _, tool := range []string{"read_file", "query_database", "list_files"} {
		if err := store.Append(ctx, makeEntry(tool, "sess-1")); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	_ = store.Close()

	// Rewrite a recorded field in place, keeping valid JSON.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	tampered := strings.Replace(string(data), "query_database", "query_dbtamper", 1)
	if tampered == string(data) {
		t.Fatal("Tamper target not found in ledger file")
	}
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	verifier, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error: %v", err)
	}
	defer func() { _ = verifier.Close() }()

	if err := verifier.Verify(); !errors.Is(err, ledger.ErrChainBroken) {
		t.Errorf("Verify() error = %v, want ErrChainBroken", err)
	}
}

func TestFileStore_AppendAfterCloseErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if err := store.Append(context.Background(), makeEntry("read_file", "sess-1")); err == nil {
		t.Error("Append() after Close should error")
	}

	// Double close should not panic.
	if err := store.Close(); err != nil {
		t.Errorf("Double Close() error: %v", err)
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e := makeEntry("read_file", fmt.Sprintf("sess-%d", idx%10))
			if err := store.Append(ctx, e); err != nil {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("Concurrent Append() error: %v", err)
	}
	_ = store.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("ReadAll() returned %d entries, want 100", len(entries))
	}

	// Appends serialize, so file order is chain order whatever the
	// goroutine interleaving was.
	if err := ledger.VerifyChain(entries, ""); err != nil {
		t.Errorf("VerifyChain() after concurrent appends error: %v", err)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if err := store.Append(context.Background(), makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("File permissions = %o, want 0600", perm)
	}
}

func TestFileStore_FlushSyncsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Errorf("Flush() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after flush error: %v", err)
	}
	if !strings.Contains(string(data), "read_file") {
		t.Error("Data not found on disk after Flush()")
	}
}

func TestFileStore_FailedWritesQueueAndRecover(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path, FlushInterval: time.Hour}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Break the underlying handle; writes now fail but appends must not.
	store.mu.Lock()
	_ = store.file.Close()
	store.mu.Unlock()

	if err := store.Append(ctx, makeEntry("query_database", "sess-1")); err != nil {
		t.Errorf("Append() during write failure error: %v", err)
	}
	if err := store.Append(ctx, makeEntry("list_files", "sess-1")); err != nil {
		t.Errorf("Append() during write failure error: %v", err)
	}

	store.mu.Lock()
	pending := len(store.retry)
	store.mu.Unlock()
	if pending != 2 {
		t.Fatalf("Retry queue holds %d lines, want 2", pending)
	}

	// Restore the handle; Flush drains the queue in seal order.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	store.mu.Lock()
	store.file = f
	store.mu.Unlock()

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush() after recovery error: %v", err)
	}
	_ = store.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadAll() returned %d entries, want 3", len(entries))
	}
	if entries[1].Tool != "query_database" || entries[2].Tool != "list_files" {
		t.Errorf("Queued lines written out of order: %q, %q", entries[1].Tool, entries[2].Tool)
	}
	if err := ledger.VerifyChain(entries, ""); err != nil {
		t.Errorf("VerifyChain() after recovery error: %v", err)
	}
}

func TestFileStore_SustainedFailureRaisesFatal(t *testing.T) {
	t.Parallel()

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_ledger_write_failures_total",
		Help: "test counter",
	})

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{
		Path:          path,
		FlushInterval: time.Hour,
		WriteFailures: failures,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	store.mu.Lock()
	_ = store.file.Close()
	store.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < fatalThreshold; i++ {
		if err := store.Append(ctx, makeEntry("read_file", "sess-1")); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	select {
	case err := <-store.Fatal():
		if err == nil {
			t.Error("Fatal() delivered nil error")
		}
	default:
		t.Error("Fatal() should signal after sustained write failure")
	}

	if got := testutil.ToFloat64(failures); got < float64(fatalThreshold) {
		t.Errorf("WriteFailures counter = %v, want at least %d", got, fatalThreshold)
	}
}

func TestFileStore_RetryOverflowDropsOldestAndRaisesFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{
		Path:          path,
		FlushInterval: time.Hour,
		RetryCapacity: 2,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	store.mu.Lock()
	_ = store.file.Close()
	store.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := store.Append(ctx, makeEntry(fmt.Sprintf("tool_%d", i), "sess-1")); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	store.mu.Lock()
	pending := len(store.retry)
	dropped := store.dropped
	store.mu.Unlock()

	if pending != 2 {
		t.Errorf("Retry queue holds %d lines, want capacity 2", pending)
	}
	if dropped != 2 {
		t.Errorf("Dropped count = %d, want 2", dropped)
	}

	select {
	case <-store.Fatal():
	default:
		t.Error("Fatal() should signal on retry queue overflow")
	}
}

func TestFileStore_ReadAllRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if err := store.Append(context.Background(), makeEntry("read_file", "sess-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	_, _ = f.WriteString("this is not json\n")
	_ = f.Close()

	if _, err := ReadAll(path); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("ReadAll() error = %v, want line 2 parse failure", err)
	}
}

func TestFileStore_AppendedLineIsCompactJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	e := makeEntry("read_file", "sess-1")
	e.Context = map[string]interface{}{"user_role": "analyst", "nested": map[string]interface{}{"a": 1}}
	if err := store.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	content := strings.TrimSpace(string(data))
	if lines := strings.Split(content, "\n"); len(lines) != 1 {
		t.Errorf("Entry should serialize to a single line, got %d", len(lines))
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		t.Errorf("Line is not valid JSON: %v", err)
	}
	if _, ok := decoded["prev_hash"]; !ok {
		t.Error("Serialized line missing prev_hash field")
	}
	if _, ok := decoded["hash"]; !ok {
		t.Error("Serialized line missing hash field")
	}
}

func TestFileStore_ImplementsLedgerStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := NewFileStore(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	var _ ledger.Store = store
}
