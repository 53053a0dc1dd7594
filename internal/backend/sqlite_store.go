package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record-by-id lookup misses.
var ErrNotFound = errors.New("record not found")

// Patient is one row of the patients table. Both planes share this schema
// exactly; only values differ between them.
type Patient struct {
	ID        string `json:"patient_id"`
	Name      string `json:"name"`
	Diagnosis string `json:"diagnosis"`
	SSN       string `json:"ssn"`
}

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	patient_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	diagnosis  TEXT NOT NULL,
	ssn        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS confidential_files (
	path    TEXT PRIMARY KEY,
	content TEXT NOT NULL
);
`

// PlaneStore is the SQLite-backed record store for one data plane.
type PlaneStore struct {
	db *sql.DB
}

// OpenPlaneStore opens (creating if necessary) the plane database and
// ensures the schema exists.
func OpenPlaneStore(path string) (*PlaneStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create plane db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open plane db %s: %w", path, err)
	}
	// The driver serializes writes itself, but a single connection avoids
	// SQLITE_BUSY entirely for this access pattern.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PlaneStore{db: db}, nil
}

// GetPatient fetches one patient row. Returns ErrNotFound on miss.
func (s *PlaneStore) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT patient_id, name, diagnosis, ssn FROM patients WHERE patient_id = ?`, id)

	var p Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Diagnosis, &p.SSN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query patient %s: %w", id, err)
	}
	return &p, nil
}

// PutPatient inserts or replaces one patient row.
func (s *PlaneStore) PutPatient(ctx context.Context, p Patient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO patients (patient_id, name, diagnosis, ssn) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Diagnosis, p.SSN)
	if err != nil {
		return fmt.Errorf("put patient %s: %w", p.ID, err)
	}
	return nil
}

// GetFile fetches the content of one confidential file. Returns
// ErrNotFound on miss.
func (s *PlaneStore) GetFile(ctx context.Context, path string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content FROM confidential_files WHERE path = ?`, path)

	var content string
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query file %s: %w", path, err)
	}
	return content, nil
}

// PutFile inserts or replaces one confidential file.
func (s *PlaneStore) PutFile(ctx context.Context, path, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO confidential_files (path, content) VALUES (?, ?)`,
		path, content)
	if err != nil {
		return fmt.Errorf("put file %s: %w", path, err)
	}
	return nil
}

// Close releases the database handle.
func (s *PlaneStore) Close() error {
	return s.db.Close()
}
