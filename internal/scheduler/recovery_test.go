package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"

	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/models"
	"github.com/liidi/scoutd/internal/services/events"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

// newTestRecovery opens a file-backed Store (so a second raw connection can
// seed lead/people rows the public EntityStorage interface has no Insert
// for — those tables are owned by the surrounding CRM, not by scoutd).
func newTestRecovery(t *testing.T) (*Recovery, *sqlite.Store, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recovery.db")
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: path, WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	cfg := common.RecoveryConfig{PeriodicSweep: false}
	rec := NewRecovery(store.Jobs(), store.Entities(), evts, NewActiveJobRegistry(), cfg, time.Hour, logger)
	return rec, store, raw
}

func seedLead(t *testing.T, raw *sql.DB, id int64, status models.ResearchStatus) {
	t.Helper()
	_, err := raw.Exec(`INSERT INTO leads (id, company_name, research_status, created_at) VALUES (?, ?, ?, ?)`,
		id, "Seeded Co", string(status), time.Now().UnixMilli())
	require.NoError(t, err)
}

func TestRecovery_SweepStaleJobsResetsEntityAndErrorsJob(t *testing.T) {
	rec, store, raw := newTestRecovery(t)
	ctx := context.Background()

	seedLead(t, raw, 7, models.ResearchStatusInProgress)

	job := models.NewJob(models.JobKindCompanyResearch, 7, "Acme", "research", "sonnet", "/tmp/acme", "/tmp/acme/out.md")
	job.CreatedAt = time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Jobs().InsertJob(ctx, job))
	require.NoError(t, store.Jobs().UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, nil, ""))

	require.NoError(t, rec.RunAll(ctx))

	updatedJob, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusError, updatedJob.Status)
	require.Equal(t, "Recovered stale job", updatedJob.ErrorMessage)

	lead, err := store.Entities().GetLead(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusPending, lead.ResearchStatus)
}

func TestRecovery_SweepStaleJobsLeavesFreshJobsAlone(t *testing.T) {
	rec, store, _ := newTestRecovery(t)
	ctx := context.Background()

	job := models.NewJob(models.JobKindScoring, 3, "Globex", "score", "sonnet", "/tmp/globex", "/tmp/out.json")
	require.NoError(t, store.Jobs().InsertJob(ctx, job))

	require.NoError(t, rec.RunAll(ctx))

	fetched, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, fetched.Status)
}

func TestRecovery_SweepStuckEntitiesResetsOnlyEntitiesWithoutActiveJob(t *testing.T) {
	rec, store, raw := newTestRecovery(t)
	ctx := context.Background()

	// Lead 1 is in_progress with no job at all: stuck, must reset.
	seedLead(t, raw, 1, models.ResearchStatusInProgress)

	// Lead 2 is in_progress but has a genuinely active job: must be left alone.
	seedLead(t, raw, 2, models.ResearchStatusInProgress)
	activeJob := models.NewJob(models.JobKindCompanyResearch, 2, "Initech", "research", "sonnet", "/tmp/initech", "/tmp/out.md")
	require.NoError(t, store.Jobs().InsertJob(ctx, activeJob))
	require.NoError(t, store.Jobs().UpdateJobStatus(ctx, activeJob.ID, models.JobStatusRunning, nil, ""))

	require.NoError(t, rec.RunAll(ctx))

	lead1, err := store.Entities().GetLead(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusPending, lead1.ResearchStatus)

	lead2, err := store.Entities().GetLead(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusInProgress, lead2.ResearchStatus, "entity with a genuinely active job must not be reset")
}

func TestRecovery_StartWithoutPeriodicSweepRunsOnceAndStopsCleanly(t *testing.T) {
	rec, store, raw := newTestRecovery(t)
	ctx := context.Background()

	seedLead(t, raw, 9, models.ResearchStatusInProgress)

	stop, err := rec.Start(ctx)
	require.NoError(t, err)
	stop()

	lead, err := store.Entities().GetLead(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusPending, lead.ResearchStatus)
}
