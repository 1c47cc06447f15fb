package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var ErrRunNotFound = errors.New("store: run not found")

// Ledger indexes attribution runs in SQLite.
type Ledger struct {
	db *sql.DB
	mu sync.RWMutex
}

func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		class INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		steps INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		start_logit REAL NOT NULL,
		end_logit REAL NOT NULL,
		integral_estimate REAL NOT NULL,
		error REAL NOT NULL,
		dir TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_image_id ON runs(image_id);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record stores info, assigning an ID and timestamp when they are unset.
func (l *Ledger) Record(info *RunInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO runs (id, image_id, class, class_name, steps, batch_size,
			start_logit, end_logit, integral_estimate, error, dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, info.ID, info.ImageID, info.Class, info.ClassName, info.Steps, info.BatchSize,
		info.StartLogit, info.EndLogit, info.IntegralEstimate, info.Error, info.Dir, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const runColumns = `id, image_id, class, class_name, steps, batch_size,
	start_logit, end_logit, integral_estimate, error, dir, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunInfo, error) {
	var r RunInfo
	err := s.Scan(&r.ID, &r.ImageID, &r.Class, &r.ClassName, &r.Steps, &r.BatchSize,
		&r.StartLogit, &r.EndLogit, &r.IntegralEstimate, &r.Error, &r.Dir, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ScoreDelta = r.EndLogit - r.StartLogit
	return &r, nil
}

func (l *Ledger) Get(id string) (*RunInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, err := scanRun(l.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// List returns runs newest first, optionally restricted to one image.
func (l *Ledger) List(imageID string, limit int) ([]RunInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if imageID != "" {
		query += " AND image_id = ?"
		args = append(args, imageID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
