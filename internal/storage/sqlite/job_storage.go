package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// ErrJobNotFound is returned when a job row does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobStorage implements interfaces.JobStorage against the jobs table.
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance.
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{db: db, logger: logger}
}

// retryWithExponentialBackoff retries operation on SQLITE_BUSY/"database is
// locked" errors, doubling the delay each attempt. Every other error is
// returned immediately without retry.
func retryWithExponentialBackoff(ctx context.Context, operation func() error, maxAttempts int, initialDelay time.Duration, logger arbor.ILogger) error {
	var lastErr error
	delay := initialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		errMsg := lastErr.Error()
		isBusyError := strings.Contains(errMsg, "database is locked") || strings.Contains(errMsg, "SQLITE_BUSY")
		if !isBusyError {
			return lastErr
		}

		if attempt < maxAttempts {
			logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Str("delay", delay.String()).
				Str("error", errMsg).
				Msg("Database locked, retrying operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	logger.Error().Int("max_attempts", maxAttempts).Err(lastErr).Msg("All retry attempts exhausted")
	return lastErr
}

const jobColumns = `
	id, kind, entity_id, entity_label, status, prompt, model, working_dir,
	output_path, secondary_path, enrichment_path, exit_code, error_message,
	created_at, started_at, completed_at, pid, ai_session_id, ai_model,
	last_event_index, total_stdout_bytes, total_stderr_bytes,
	stdout_truncated, stderr_truncated, completion_phase
`

// InsertJob inserts a newly constructed Job row.
func (s *JobStorage) InsertJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO jobs (
			id, kind, entity_id, entity_label, status, prompt, model, working_dir,
			output_path, secondary_path, enrichment_path, created_at, completion_phase
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return retryWithExponentialBackoff(ctx, func() error {
		_, err := s.db.db.ExecContext(ctx, query,
			job.ID, string(job.Kind), job.EntityID, job.EntityLabel, string(job.Status),
			job.Prompt, nullableString(job.Model), job.WorkingDir,
			nullableString(job.OutputPath), nullableString(job.SecondaryPath), nullableString(job.EnrichmentPath),
			job.CreatedAt, string(job.CompletionPhase),
		)
		return err
	}, 5, 100*time.Millisecond, s.logger)
}

// UpdateJobStatus transitions a job's status, optionally setting exit_code
// and error_message, and stamps started_at/completed_at as appropriate.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, exitCode *int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	var query string
	var args []interface{}

	switch status {
	case models.JobStatusRunning:
		query = `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`
		args = []interface{}{string(status), now, jobID}
	case models.JobStatusCompleted, models.JobStatusError, models.JobStatusTimeout, models.JobStatusCancelled:
		query = `UPDATE jobs SET status = ?, exit_code = ?, error_message = ?, completed_at = ? WHERE id = ?`
		args = []interface{}{string(status), nullableInt(exitCode), nullableString(errorMessage), now, jobID}
	default:
		query = `UPDATE jobs SET status = ? WHERE id = ?`
		args = []interface{}{string(status), jobID}
	}

	return retryWithExponentialBackoff(ctx, func() error {
		result, err := s.db.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		return rowsAffectedOrNotFound(result)
	}, 5, 100*time.Millisecond, s.logger)
}

// UpdateJobPID records the spawned child process's pid.
func (s *JobStorage) UpdateJobPID(ctx context.Context, jobID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryWithExponentialBackoff(ctx, func() error {
		_, err := s.db.db.ExecContext(ctx, `UPDATE jobs SET pid = ? WHERE id = ?`, pid, jobID)
		return err
	}, 5, 100*time.Millisecond, s.logger)
}

// UpdateJobAISession records the worker-reported session id and model,
// extracted from the stream's init event.
func (s *JobStorage) UpdateJobAISession(ctx context.Context, jobID string, sessionID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryWithExponentialBackoff(ctx, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE jobs SET ai_session_id = ?, ai_model = ? WHERE id = ?`,
			nullableString(sessionID), nullableString(model), jobID)
		return err
	}, 5, 100*time.Millisecond, s.logger)
}

// UpdateJobStreamStats records the stream processor's running byte counts,
// truncation flags, and last delivered event index.
func (s *JobStorage) UpdateJobStreamStats(ctx context.Context, jobID string, stdoutBytes, stderrBytes int64, stdoutTruncated, stderrTruncated bool, lastEventIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryWithExponentialBackoff(ctx, func() error {
		_, err := s.db.db.ExecContext(ctx, `
			UPDATE jobs
			SET total_stdout_bytes = ?, total_stderr_bytes = ?,
			    stdout_truncated = ?, stderr_truncated = ?, last_event_index = ?
			WHERE id = ?`,
			stdoutBytes, stderrBytes, boolToInt(stdoutTruncated), boolToInt(stderrTruncated), lastEventIndex, jobID)
		return err
	}, 5, 100*time.Millisecond, s.logger)
}

// UpdateJobCompletionPhase advances the Completion Handler's state machine.
func (s *JobStorage) UpdateJobCompletionPhase(ctx context.Context, jobID string, phase models.CompletionPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryWithExponentialBackoff(ctx, func() error {
		_, err := s.db.db.ExecContext(ctx, `UPDATE jobs SET completion_phase = ? WHERE id = ?`, string(phase), jobID)
		return err
	}, 5, 100*time.Millisecond, s.logger)
}

// GetActiveJobForEntity returns the queued or running job for (entityID,
// kind), or ErrJobNotFound if none exists. Backs the at-most-one-active-
// job-per-entity invariant (SPEC_FULL.md §8).
func (s *JobStorage) GetActiveJobForEntity(ctx context.Context, entityID int64, kind models.JobKind) (*models.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE entity_id = ? AND kind = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, jobColumns)

	row := s.db.db.QueryRowContext(ctx, query, entityID, string(kind))
	return scanJobRow(row)
}

// GetJob retrieves a job by id.
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns)
	row := s.db.db.QueryRowContext(ctx, query, jobID)
	return scanJobRow(row)
}

// GetActiveJobs returns every queued or running job.
func (s *JobStorage) GetActiveJobs(ctx context.Context) ([]*models.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE status IN ('queued', 'running') ORDER BY created_at ASC`, jobColumns)
	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// GetRecentJobs returns the most recently created jobs, newest first.
func (s *JobStorage) GetRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs ORDER BY created_at DESC LIMIT ?`, jobColumns)
	rows, err := s.db.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// GetStaleJobs returns queued or running jobs created before the cutoff,
// the input to the Recovery module's stale-job sweep (SPEC_FULL.md §4.6).
func (s *JobStorage) GetStaleJobs(ctx context.Context, olderThanMS int64) ([]*models.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ('queued', 'running') AND created_at < ?
		ORDER BY created_at ASC
	`, jobColumns)

	rows, err := s.db.db.QueryContext(ctx, query, olderThanMS)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// CleanupOldJobs deletes terminal jobs completed before the cutoff.
// job_logs rows cascade via the jobs foreign key.
func (s *JobStorage) CleanupOldJobs(ctx context.Context, olderThanMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'error', 'timeout', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?
	`, olderThanMS)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("Cleaned up old jobs")
	}

	return int(n), nil
}

func scanJobRow(row *sql.Row) (*models.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                               models.Job
		kind, status, completionPhase     string
		model, outputPath, secondaryPath  sql.NullString
		enrichmentPath, errorMessage      sql.NullString
		aiSessionID, aiModel              sql.NullString
		exitCode                          sql.NullInt64
		startedAt, completedAt            sql.NullInt64
		pid                               sql.NullInt64
		stdoutTruncated, stderrTruncated  int
	)

	err := row.Scan(
		&job.ID, &kind, &job.EntityID, &job.EntityLabel, &status, &job.Prompt, &model, &job.WorkingDir,
		&outputPath, &secondaryPath, &enrichmentPath, &exitCode, &errorMessage,
		&job.CreatedAt, &startedAt, &completedAt, &pid, &aiSessionID, &aiModel,
		&job.LastEventIndex, &job.TotalStdoutBytes, &job.TotalStderrBytes,
		&stdoutTruncated, &stderrTruncated, &completionPhase,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.CompletionPhase = models.CompletionPhase(completionPhase)
	job.Model = model.String
	job.OutputPath = outputPath.String
	job.SecondaryPath = secondaryPath.String
	job.EnrichmentPath = enrichmentPath.String
	job.ErrorMessage = errorMessage.String
	job.AISessionID = aiSessionID.String
	job.AIModel = aiModel.String
	job.StdoutTruncated = stdoutTruncated != 0
	job.StderrTruncated = stderrTruncated != 0

	if exitCode.Valid {
		v := int(exitCode.Int64)
		job.ExitCode = &v
	}
	if startedAt.Valid {
		v := startedAt.Int64
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		job.CompletedAt = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		job.PID = &v
	}

	return &job, nil
}

func scanJobRows(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func rowsAffectedOrNotFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
