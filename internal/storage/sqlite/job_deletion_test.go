package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()
	config := &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8}
	store, err := NewStore(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestCleanupOldJobs_RemovesOnlyTerminalJobsPastCutoff verifies
// CleanupOldJobs only removes jobs that are both terminal and older than
// the cutoff (SPEC_FULL.md §4.1).
func TestCleanupOldJobs_RemovesOnlyTerminalJobsPastCutoff(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	jobs := store.Jobs()

	old := models.NewJob(models.JobKindCompanyResearch, 1, "Acme", "research acme", "sonnet", "/tmp/acme", "/tmp/acme/out.md")
	require.NoError(t, jobs.InsertJob(ctx, old))
	require.NoError(t, jobs.UpdateJobStatus(ctx, old.ID, models.JobStatusRunning, nil, ""))
	require.NoError(t, jobs.UpdateJobStatus(ctx, old.ID, models.JobStatusCompleted, intPtr(0), ""))

	cutoff := time.Now().UnixMilli() + 1000
	n, err := jobs.CleanupOldJobs(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = jobs.GetJob(ctx, old.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

// TestCleanupOldJobs_CascadesJobLogs verifies the ON DELETE CASCADE
// foreign key on job_logs removes a deleted job's log rows.
func TestCleanupOldJobs_CascadesJobLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	jobs := store.Jobs()
	logs := store.JobLogs()

	job := models.NewJob(models.JobKindConversation, 7, "Jordan", "draft talking points", "sonnet", "/tmp/jordan", "/tmp/jordan/out.md")
	require.NoError(t, jobs.InsertJob(ctx, job))
	require.NoError(t, logs.InsertJobLogsBatch(ctx, []*models.JobLog{
		{JobID: job.ID, LogType: models.LogTypeInfo, Content: "starting", Timestamp: time.Now().UnixMilli(), Sequence: 0, Source: models.LogSourceStdout},
	}))
	require.NoError(t, jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, intPtr(0), ""))

	n, err := jobs.CleanupOldJobs(ctx, time.Now().UnixMilli()+1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, err := logs.GetJobLogs(ctx, job.ID, -1, 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

// TestCleanupOldJobs_LeavesActiveJobsAlone verifies non-terminal jobs are
// never removed regardless of age.
func TestCleanupOldJobs_LeavesActiveJobsAlone(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	jobs := store.Jobs()

	job := models.NewJob(models.JobKindScoring, 3, "Globex", "score globex", "sonnet", "/tmp/globex", "/tmp/globex/score.json")
	require.NoError(t, jobs.InsertJob(ctx, job))

	n, err := jobs.CleanupOldJobs(ctx, time.Now().UnixMilli()+1000)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	fetched, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, fetched.Status)
}

func intPtr(i int) *int { return &i }
