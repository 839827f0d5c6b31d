// Package storage persists orchestrator state across restarts. It exposes two
// capability tiers over one SQLite file: a small key-value tier for metadata
// snapshots (throttled, size-bounded, with a staleness horizon) and a large
// tier for completed result payloads keyed by job id.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"batchconvert/internal/models"
)

// ErrNotFound is returned when a key or result blob does not exist.
var ErrNotFound = errors.New("storage: not found")

const stateKey = "batchConversionState"

// Store wraps the SQL database with the two persistence tiers.
type Store struct {
	*sql.DB

	// Snapshot write throttling.
	saveThrottle time.Duration
	maxAge       time.Duration

	mu      sync.Mutex
	pending *models.Snapshot
	timer   *time.Timer
}

// Open opens (or creates) the store at the given path. saveThrottle bounds
// how often throttled snapshot writes hit disk; maxAge is the staleness
// horizon past which a saved snapshot is discarded instead of restored.
func Open(path string, saveThrottle, maxAge time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s := &Store{DB: db, saveThrottle: saveThrottle, maxAge: maxAge}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		output_format TEXT NOT NULL,
		mime_type TEXT,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
	`
	_, err := s.Exec(schema)
	return err
}

// ===== Small tier =====

// PutSmall stores a JSON-serialized value under key.
func (s *Store) PutSmall(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", key, err)
	}
	_, err = s.Exec(`
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(data), time.Now())
	return err
}

// GetSmall loads the value stored under key into v.
func (s *Store) GetSmall(key string, v any) error {
	var raw string
	err := s.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// DeleteSmall removes key from the small tier.
func (s *Store) DeleteSmall(key string) error {
	_, err := s.Exec("DELETE FROM state WHERE key = ?", key)
	return err
}

// ===== Large tier =====

// SaveResult stores a completed job's payload, keyed by job id. Written once
// per completed job.
func (s *Store) SaveResult(jobID string, result *models.Result) error {
	if result == nil {
		return errors.New("storage: nil result")
	}
	_, err := s.Exec(`
		INSERT INTO results (job_id, file_name, output_format, mime_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at
	`, jobID, result.Filename, models.Extension(result.Filename), result.MIME, result.Data, time.Now())
	return err
}

// LoadResult reads a completed job's payload back.
func (s *Store) LoadResult(jobID string) (*models.Result, error) {
	var result models.Result
	var mime sql.NullString
	err := s.QueryRow(
		"SELECT file_name, mime_type, data FROM results WHERE job_id = ?", jobID,
	).Scan(&result.Filename, &mime, &result.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if mime.Valid {
		result.MIME = mime.String
	}
	return &result, nil
}

// CleanupOldResults deletes result blobs older than the staleness horizon.
func (s *Store) CleanupOldResults() error {
	cutoff := time.Now().Add(-s.maxAge)
	res, err := s.Exec("DELETE FROM results WHERE created_at < ?", cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[STORE] Deleted %d expired result blobs", n)
	}
	return nil
}

// ===== Snapshot layer =====

// SaveState schedules a throttled snapshot write. Repeated calls within one
// throttle window coalesce into a single write carrying the latest snapshot.
func (s *Store) SaveState(snap *models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = snap
	if s.timer == nil {
		s.timer = time.AfterFunc(s.saveThrottle, s.flushPending)
	}
}

func (s *Store) flushPending() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if snap == nil {
		return
	}
	if err := s.SaveStateNow(snap); err != nil {
		log.Printf("[STORE] Failed to save state: %v", err)
	}
}

// SaveStateNow writes the snapshot immediately, bypassing the throttle.
func (s *Store) SaveStateNow(snap *models.Snapshot) error {
	snap.Version = models.SnapshotVersion
	snap.Timestamp = time.Now()
	return s.PutSmall(stateKey, snap)
}

// LoadState returns the persisted snapshot, or nil when none exists, the
// version is unknown, or the snapshot is older than the staleness horizon.
// Stale snapshots are cleared rather than restored: in-flight network state
// cannot be resumed after that long.
func (s *Store) LoadState() (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.GetSmall(stateKey, &snap)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if snap.Version != models.SnapshotVersion {
		log.Printf("[STORE] Discarding snapshot with unknown version %d", snap.Version)
		s.ClearState()
		return nil, nil
	}

	if age := time.Since(snap.Timestamp); age > s.maxAge {
		log.Printf("[STORE] Saved state is %s old, clearing", age.Round(time.Second))
		s.ClearState()
		return nil, nil
	}

	return &snap, nil
}

// ClearState removes the snapshot and all result blobs.
func (s *Store) ClearState() {
	s.mu.Lock()
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.DeleteSmall(stateKey); err != nil {
		log.Printf("[STORE] Failed to clear state: %v", err)
	}
	if _, err := s.Exec("DELETE FROM results"); err != nil {
		log.Printf("[STORE] Failed to clear results: %v", err)
	}
}

// Close flushes any pending throttled write and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if snap != nil {
		if err := s.SaveStateNow(snap); err != nil {
			log.Printf("[STORE] Failed to flush state on close: %v", err)
		}
	}
	return s.DB.Close()
}
