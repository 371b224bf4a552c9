package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// JobLogStorage implements interfaces.JobLogStorage against the job_logs
// table. Sequence numbers are assigned by the caller (the stream
// processor keeps a per-job monotonic counter); a UNIQUE(job_id, sequence)
// constraint on the table makes batch inserts idempotent when a sequence
// range is replayed after a partial failure (SPEC_FULL.md §9, Open
// Question a).
type JobLogStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobLogStorage creates a new job log storage instance.
func NewJobLogStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobLogStorage {
	return &JobLogStorage{db: db, logger: logger}
}

// InsertJobLogsBatch inserts a batch of log entries in a single
// transaction. Entries whose (job_id, sequence) pair already exists are
// silently skipped rather than erroring, so a caller retrying a batch
// after a partial commit is safe.
func (s *JobLogStorage) InsertJobLogsBatch(ctx context.Context, logs []*models.JobLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_logs (job_id, log_type, content, tool_name, timestamp, sequence, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, entry := range logs {
		if _, err := stmt.ExecContext(ctx,
			entry.JobID, string(entry.LogType), entry.Content, nullableString(entry.ToolName),
			entry.Timestamp, entry.Sequence, string(entry.Source),
		); err != nil {
			return fmt.Errorf("failed to insert job log (job_id=%s seq=%d): %w", entry.JobID, entry.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job log batch: %w", err)
	}

	return nil
}

// GetJobLogs retrieves a job's log entries in sequence order, optionally
// starting strictly after afterSequence (for incremental polling) and
// capped at limit entries (0 means unbounded).
func (s *JobLogStorage) GetJobLogs(ctx context.Context, jobID string, afterSequence int64, limit int) ([]*models.JobLog, error) {
	query := `
		SELECT id, job_id, log_type, content, tool_name, timestamp, sequence, source
		FROM job_logs
		WHERE job_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`
	args := []interface{}{jobID, afterSequence}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get job logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.JobLog
	for rows.Next() {
		var (
			entry           models.JobLog
			logType, source string
			toolName        sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &logType, &entry.Content, &toolName, &entry.Timestamp, &entry.Sequence, &source); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		entry.LogType = models.LogType(logType)
		entry.Source = models.LogSource(source)
		entry.ToolName = toolName.String
		logs = append(logs, &entry)
	}

	return logs, rows.Err()
}
