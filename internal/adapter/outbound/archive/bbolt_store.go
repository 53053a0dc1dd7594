// Package archive stores finalized attack-session records in a bolt bucket.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/chimera-gw/chimera/internal/domain/attack"
)

// sessionsBucket holds one JSON document per finalized attack session.
const sessionsBucket = "attack_sessions"

// openTimeout bounds how long Open waits on a file lock held by another
// process.
const openTimeout = 10 * time.Second

// ErrRecordNotFound is returned when no record exists under a key.
var ErrRecordNotFound = errors.New("attack record not found")

// BoltArchive implements attack.Archive over a bolt database file. Keys are
// "<session_id>/<start_time>" so repeated sessions under a reused id stay
// distinct.
type BoltArchive struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// NewBoltArchive opens or creates the archive database and its bucket.
func NewBoltArchive(path string, logger *slog.Logger) (*BoltArchive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive bucket: %w", err)
	}

	return &BoltArchive{db: db, logger: logger}, nil
}

// recordKey builds the bucket key for a record.
func recordKey(sessionID string, start time.Time) []byte {
	return []byte(sessionID + "/" + start.UTC().Format("20060102T150405Z"))
}

// Save persists one finalized record. Saving the same session again
// overwrites the earlier document.
func (a *BoltArchive) Save(_ context.Context, rec *attack.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attack record: %w", err)
	}

	err = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put(recordKey(rec.SessionID, rec.StartTime), data)
	})
	if err != nil {
		return fmt.Errorf("save attack record: %w", err)
	}

	a.logger.Info("attack session archived",
		"session_id", rec.SessionID,
		"interactions", rec.TotalInteractions,
		"final_risk", rec.FinalRiskScore,
	)
	return nil
}

// Get loads one record by session id and start time.
func (a *BoltArchive) Get(sessionID string, start time.Time) (*attack.Record, error) {
	var rec *attack.Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionsBucket)).Get(recordKey(sessionID, start))
		if data == nil {
			return ErrRecordNotFound
		}
		rec = &attack.Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every archived record in key order.
func (a *BoltArchive) List() ([]*attack.Record, error) {
	var records []*attack.Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(k, v []byte) error {
			rec := &attack.Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("archive key %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database file.
func (a *BoltArchive) Close() error {
	return a.db.Close()
}

// Path returns the archive file location.
func (a *BoltArchive) Path() string {
	return a.db.Path()
}

// Compile-time interface verification.
var _ attack.Archive = (*BoltArchive)(nil)
