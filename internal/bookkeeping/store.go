// Package bookkeeping keeps a local sqlite history of model loads and
// unloads. The manager treats it as a best-effort sink.
package bookkeeping

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"locallab/pkg/types"
)

// Kind distinguishes history rows.
type Kind string

const (
	KindLoad   Kind = "load"
	KindUnload Kind = "unload"
)

// Entry is one history row.
type Entry struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	ModelID      string        `json:"model_id"`
	RequestedID  string        `json:"requested_id,omitempty"`
	SourceID     string        `json:"source_id,omitempty"`
	Device       string        `json:"device,omitempty"`
	Quantization string        `json:"quantization,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	At           time.Time     `json:"at"`
}

// ModelUsage aggregates the history of one model.
type ModelUsage struct {
	ModelID      string    `json:"model_id"`
	Loads        int       `json:"loads"`
	Unloads      int       `json:"unloads"`
	LastLoadedAt time.Time `json:"last_loaded_at"`
	// AvgLoad is the mean load duration.
	AvgLoad time.Duration `json:"avg_load_ns"`
}

// Store is a sqlite-backed history. It satisfies manager.Recorder.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("bookkeeping: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create bookkeeping dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open bookkeeping db: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS model_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			model_id TEXT NOT NULL,
			requested_id TEXT,
			source_id TEXT,
			device TEXT,
			quantization TEXT,
			elapsed_ns INTEGER,
			reason TEXT,
			at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_model_events_model ON model_events(model_id);`,
		`CREATE INDEX IF NOT EXISTS idx_model_events_at ON model_events(at_ns);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init bookkeeping schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) insert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_events (id, kind, model_id, requested_id, source_id, device, quantization, elapsed_ns, reason, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Kind), e.ModelID, e.RequestedID, e.SourceID, e.Device, e.Quantization, int64(e.Elapsed), e.Reason, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("record %s %s: %w", e.Kind, e.ModelID, err)
	}
	return nil
}

// RecordLoad stores a successful load.
func (s *Store) RecordLoad(ctx context.Context, info types.ModelInfo, elapsed time.Duration) error {
	at := info.LoadedAt
	if at.IsZero() {
		at = s.now()
	}
	return s.insert(ctx, Entry{
		ID:           uuid.NewString(),
		Kind:         KindLoad,
		ModelID:      info.ID,
		RequestedID:  info.RequestedID,
		SourceID:     info.SourceID,
		Device:       string(info.Device),
		Quantization: string(info.Quantization),
		Elapsed:      elapsed,
		At:           at,
	})
}

// RecordUnload stores an unload and why it happened (unload, swap, idle).
func (s *Store) RecordUnload(ctx context.Context, modelID, reason string) error {
	return s.insert(ctx, Entry{
		ID:      uuid.NewString(),
		Kind:    KindUnload,
		ModelID: modelID,
		Reason:  reason,
		At:      s.now(),
	})
}

// History returns the newest entries first. limit <= 0 returns everything.
// A non-empty modelID filters by model.
func (s *Store) History(ctx context.Context, modelID string, limit int) ([]Entry, error) {
	q := `SELECT id, kind, model_id, requested_id, source_id, device, quantization, elapsed_ns, reason, at_ns FROM model_events`
	var args []any
	if modelID != "" {
		q += ` WHERE model_id = ?`
		args = append(args, modelID)
	}
	q += ` ORDER BY at_ns DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                        Entry
			kind                                     string
			requested, source, device, quant, reason sql.NullString
			elapsed                                  sql.NullInt64
			at                                       int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.ModelID, &requested, &source, &device, &quant, &elapsed, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = Kind(kind)
		e.RequestedID = requested.String
		e.SourceID = source.String
		e.Device = device.String
		e.Quantization = quant.String
		e.Reason = reason.String
		e.Elapsed = time.Duration(elapsed.Int64)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Usage aggregates history per model, most recently loaded first.
func (s *Store) Usage(ctx context.Context) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id,
			SUM(CASE WHEN kind = 'load' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'unload' THEN 1 ELSE 0 END),
			COALESCE(MAX(CASE WHEN kind = 'load' THEN at_ns END), 0),
			COALESCE(AVG(CASE WHEN kind = 'load' THEN elapsed_ns END), 0)
		FROM model_events
		GROUP BY model_id
		ORDER BY 4 DESC, model_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var (
			u       ModelUsage
			lastNS  int64
			avgLoad float64
		)
		if err := rows.Scan(&u.ModelID, &u.Loads, &u.Unloads, &lastNS, &avgLoad); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if lastNS > 0 {
			u.LastLoadedAt = time.Unix(0, lastNS)
		}
		u.AvgLoad = time.Duration(avgLoad)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_events WHERE at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
