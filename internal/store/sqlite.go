package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fathom-run/fathom/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id                TEXT PRIMARY KEY,
    language          TEXT NOT NULL,
    status            TEXT NOT NULL,
    exit_code         INTEGER,
    error_code        TEXT,
    error             TEXT,
    output_bytes      INTEGER NOT NULL,
    duration_ms       INTEGER NOT NULL,
    peak_memory_bytes INTEGER,
    cpu_time_ms       INTEGER,
    created_at        DATETIME NOT NULL,
    finished_at       DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordExecution inserts the audit row for a finished execution.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, language, status, exit_code, error_code, error,
			output_bytes, duration_ms, peak_memory_bytes, cpu_time_ms,
			created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Language, string(rec.Status), rec.ExitCode, rec.ErrorCode, rec.Error,
		rec.OutputBytes, rec.DurationMS, rec.PeakMemory, rec.CPUTimeMS,
		rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, language, status, exit_code, error_code, error,
			output_bytes, duration_ms, peak_memory_bytes, cpu_time_ms,
			created_at, finished_at
		FROM executions WHERE id = ?`, id,
	).Scan(
		&rec.ID, &rec.Language, &rec.Status, &rec.ExitCode, &rec.ErrorCode, &rec.Error,
		&rec.OutputBytes, &rec.DurationMS, &rec.PeakMemory, &rec.CPUTimeMS,
		&rec.CreatedAt, &rec.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns a paginated list ordered by created_at DESC, along
// with the total count of all records.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, language, status, exit_code, error_code, error,
			output_bytes, duration_ms, peak_memory_bytes, cpu_time_ms,
			created_at, finished_at
		FROM executions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		rec := &model.ExecutionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Language, &rec.Status, &rec.ExitCode, &rec.ErrorCode, &rec.Error,
			&rec.OutputBytes, &rec.DurationMS, &rec.PeakMemory, &rec.CPUTimeMS,
			&rec.CreatedAt, &rec.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return records, total, nil
}

// GetStats aggregates counts and average duration across all records.
func (s *SQLiteStore) GetStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByLang:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	langRows, err := s.db.QueryContext(ctx, "SELECT language, COUNT(*) FROM executions GROUP BY language")
	if err != nil {
		return nil, fmt.Errorf("count by language: %w", err)
	}
	defer langRows.Close()
	for langRows.Next() {
		var lang string
		var count int
		if err := langRows.Scan(&lang, &count); err != nil {
			return nil, fmt.Errorf("scan language count: %w", err)
		}
		stats.CountByLang[lang] = count
	}
	if err := langRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate language counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM executions").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
