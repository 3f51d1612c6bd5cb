// Package storage provides SQLite-backed persistence for accumulator
// checkpoints and the per-batch detection ledger.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/perfwatch/internal/runstats"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxBatches int
}

// BatchRecord is one ledger row: the outcome of ranking one function in one batch.
type BatchRecord struct {
	ID        string    `json:"id"`
	Batch     uint64    `json:"batch"`
	Step      int       `json:"step"`
	FuncID    uint64    `json:"fid"`
	FuncName  string    `json:"name"`
	N         int       `json:"n"`
	Anomalous int       `json:"anomalous"`
	Strategy  string    `json:"strategy"`
	Threshold string    `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/perfwatch/data.db.
func New(maxBatches int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "perfwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxBatches: maxBatches}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accumulators (
			stream_id   TEXT PRIMARY KEY,
			s0          REAL NOT NULL DEFAULT 0,
			s1          REAL NOT NULL DEFAULT 0,
			s2          REAL NOT NULL DEFAULT 0,
			n_abnormal  INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id          TEXT PRIMARY KEY,
			batch       INTEGER NOT NULL,
			step        INTEGER NOT NULL,
			func_id     INTEGER NOT NULL,
			func_name   TEXT NOT NULL,
			n           INTEGER NOT NULL,
			anomalous   INTEGER NOT NULL,
			strategy    TEXT NOT NULL,
			threshold   TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key    TEXT PRIMARY KEY,
			value  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_batch ON batches(batch)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_anomalous ON batches(anomalous DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccumulator checkpoints one stream's running statistics.
func (s *Storage) SaveAccumulator(streamID string, stats runstats.RunStats) error {
	if streamID == "" {
		return errors.New("stream ID must not be empty")
	}
	snap := stats.Snapshot()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO accumulators (stream_id, s0, s1, s2, n_abnormal, updated_at)
		VALUES (?,?,?,?,?,?)`,
		streamID, snap.S0, snap.S1, snap.S2, snap.NAbnormal, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save accumulator: %w", err)
	}
	return nil
}

// LoadAccumulator returns the checkpoint for streamID; ok is false when none exists.
func (s *Storage) LoadAccumulator(streamID string) (stats runstats.RunStats, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT s0, s1, s2, n_abnormal FROM accumulators WHERE stream_id = ?`, streamID)

	var snap runstats.Snapshot
	err = row.Scan(&snap.S0, &snap.S1, &snap.S2, &snap.NAbnormal)
	if errors.Is(err, sql.ErrNoRows) {
		return runstats.RunStats{}, false, nil
	}
	if err != nil {
		return runstats.RunStats{}, false, fmt.Errorf("failed to load accumulator: %w", err)
	}
	return runstats.FromSnapshot(snap), true, nil
}

// LoadAllAccumulators returns every checkpoint keyed by stream ID.
func (s *Storage) LoadAllAccumulators() (map[string]runstats.RunStats, error) {
	rows, err := s.db.Query(`SELECT stream_id, s0, s1, s2, n_abnormal FROM accumulators`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accumulators: %w", err)
	}
	defer rows.Close()

	out := make(map[string]runstats.RunStats)
	for rows.Next() {
		var id string
		var snap runstats.Snapshot
		if err := rows.Scan(&id, &snap.S0, &snap.S1, &snap.S2, &snap.NAbnormal); err != nil {
			return nil, fmt.Errorf("failed to scan accumulator: %w", err)
		}
		out[id] = runstats.FromSnapshot(snap)
	}
	return out, rows.Err()
}

// ClearAccumulators deletes every checkpoint.
func (s *Storage) ClearAccumulators() error {
	if _, err := s.db.Exec(`DELETE FROM accumulators`); err != nil {
		return fmt.Errorf("failed to clear accumulators: %w", err)
	}
	return nil
}

// AddBatchRecord appends a ledger row, assigning an ID when missing.
func (s *Storage) AddBatchRecord(rec *BatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO batches
			(id, batch, step, func_id, func_name, n, anomalous, strategy, threshold, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, int64(rec.Batch), rec.Step, int64(rec.FuncID), rec.FuncName, rec.N, rec.Anomalous,
		rec.Strategy, rec.Threshold, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch record: %w", err)
	}
	return nil
}

// GetTopBatches returns the k records with the most anomalies, newest batch first on ties.
func (s *Storage) GetTopBatches(k int) ([]BatchRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, batch, step, func_id, func_name, n, anomalous, strategy, threshold, created_at
		FROM batches ORDER BY anomalous DESC, batch DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	records := []BatchRecord{}
	for rows.Next() {
		var r BatchRecord
		var batch, funcID, createdAtNano int64
		err := rows.Scan(
			&r.ID, &batch, &r.Step, &funcID, &r.FuncName, &r.N, &r.Anomalous,
			&r.Strategy, &r.Threshold, &createdAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch record: %w", err)
		}
		r.Batch = uint64(batch)
		r.FuncID = uint64(funcID)
		r.CreatedAt = time.Unix(0, createdAtNano)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveLastBatch records n as the last batch counter handed out. The stored
// value never decreases.
func (s *Storage) SaveLastBatch(n uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('last_batch', ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		int64(n),
	)
	if err != nil {
		return fmt.Errorf("failed to save last batch: %w", err)
	}
	return nil
}

// LastBatch returns the highest batch counter recorded, or 0.
func (s *Storage) LastBatch() (uint64, error) {
	var last int64
	err := s.db.QueryRow(`
		SELECT MAX(
			COALESCE((SELECT value FROM meta WHERE key = 'last_batch'), 0),
			COALESCE((SELECT MAX(batch) FROM batches), 0)
		)`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to query last batch: %w", err)
	}
	return uint64(last), nil
}

// RotateBatches keeps at most maxBatches newest ledger rows.
func (s *Storage) RotateBatches() error {
	_, err := s.db.Exec(`
		DELETE FROM batches WHERE id NOT IN (
			SELECT id FROM batches ORDER BY batch DESC, created_at DESC LIMIT ?
		)`, s.maxBatches)
	if err != nil {
		return fmt.Errorf("failed to rotate batches: %w", err)
	}
	return nil
}
