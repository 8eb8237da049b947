// Package history records users and finished compression jobs in sqlite,
// so totals survive bot restarts even though the live queue does not.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/you/tg-compressor/internal/jobs"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open connects to the database file, creating directories and schema as
// needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertUser records or refreshes a Telegram user.
func (s *Store) UpsertUser(ctx context.Context, telegramID int64, username, firstName, lastName string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (telegram_id, username, first_name, last_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			updated_at = excluded.updated_at`,
		telegramID, username, firstName, lastName, now, now)
	return err
}

// CreateJob inserts a freshly submitted job.
func (s *Store) CreateJob(ctx context.Context, j *jobs.Job, origBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compression_jobs
			(id, telegram_id, original_file_name, original_size_bytes, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Owner, j.InputName, origBytes, string(j.State), j.SubmittedAt)
	return err
}

// FinishJob writes the terminal outcome of a job.
func (s *Store) FinishJob(ctx context.Context, j *jobs.Job) error {
	var (
		outBytes  *int64
		ratio     *float64
		errKind   *string
		errMsg    *string
		procSecs  *float64
		startedAt *time.Time
	)
	if j.Result != nil {
		outBytes = &j.Result.OutBytes
		r := j.Result.Reduction()
		ratio = &r
		secs := j.Result.Elapsed.Seconds()
		procSecs = &secs
	}
	if j.Failure != nil {
		k := string(j.Failure.Kind)
		errKind = &k
		errMsg = &j.Failure.Message
	}
	if j.StartedAt != nil {
		startedAt = j.StartedAt
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs SET
			status = ?,
			compressed_size_bytes = ?,
			compression_ratio = ?,
			error_kind = ?,
			error_message = ?,
			started_at = ?,
			finished_at = ?,
			processing_seconds = ?
		WHERE id = ?`,
		string(j.State), outBytes, ratio, errKind, errMsg,
		startedAt, j.FinishedAt, procSecs, j.ID)
	return err
}

// Stats is a user's lifetime compression summary.
type Stats struct {
	Total     int64
	Succeeded int64
	BytesIn   int64
	BytesOut  int64
}

// UserStats aggregates the compression history of one user.
func (s *Store) UserStats(ctx context.Context, telegramID int64) (*Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN original_size_bytes ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN compressed_size_bytes ELSE 0 END), 0)
		FROM compression_jobs WHERE telegram_id = ?`, telegramID)
	st := &Stats{}
	if err := row.Scan(&st.Total, &st.Succeeded, &st.BytesIn, &st.BytesOut); err != nil {
		return nil, err
	}
	return st, nil
}
