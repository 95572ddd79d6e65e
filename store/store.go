// Package store keeps a journal of served inference requests in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the journal at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许一个写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{
		db:   db,
		path: dbPath,
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// Entry is one journaled request.
type Entry struct {
	ID        string        `json:"id"`
	Model     string        `json:"model"`
	Device    string        `json:"device"`
	Transport string        `json:"transport"`
	Boxes     int           `json:"boxes"`
	Labels    string        `json:"labels"`
	Duration  time.Duration `json:"duration_ns"`
	Err       string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inferences (id, model, device, transport, boxes, labels, duration_ns, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Model, e.Device, e.Transport, e.Boxes, e.Labels, int64(e.Duration), e.Err, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty model matches all.
func (s *Store) Recent(ctx context.Context, model string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, device, transport, boxes, labels, duration_ns, error, created_at
		 FROM inferences
		 WHERE (? = '' OR model = ?)
		 ORDER BY created_at DESC, seq DESC
		 LIMIT ?`, model, model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e        Entry
			duration int64
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Model, &e.Device, &e.Transport, &e.Boxes, &e.Labels, &duration, &e.Err, &created); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(duration)
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inferences WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
