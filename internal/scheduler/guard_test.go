package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/models"
	"github.com/liidi/scoutd/internal/services/events"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

func TestActiveJobRegistry_CancelIsIdempotent(t *testing.T) {
	reg := NewActiveJobRegistry()
	ch := reg.Add("job-1")

	require.True(t, reg.Cancel("job-1"))
	select {
	case <-ch:
	default:
		t.Fatal("expected cancellation channel to be closed")
	}

	require.True(t, reg.Cancel("job-1"), "cancelling an already-cancelled but still-registered job must not panic")
	require.False(t, reg.Cancel("job-unknown"))
}

func TestActiveJobRegistry_RemoveThenCancelReportsNotFound(t *testing.T) {
	reg := NewActiveJobRegistry()
	reg.Add("job-1")
	reg.Remove("job-1")
	require.False(t, reg.Cancel("job-1"))
	require.Empty(t, reg.ListActive())
}

func TestJobGuard_CloseWithoutDefuseRollsBackEntityAndMarksJobErrored(t *testing.T) {
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	ctx := context.Background()
	job := models.NewJob(models.JobKindCompanyResearch, 42, "Acme", "research acme", "sonnet", "/tmp/acme", "/tmp/acme/out.md")
	require.NoError(t, store.Jobs().InsertJob(ctx, job))
	_, err = store.DB().DB().ExecContext(ctx, `INSERT INTO leads (id, company_name, research_status, created_at) VALUES (42, 'Acme', 'pending', strftime('%s', 'now') * 1000)`)
	require.NoError(t, err)
	require.NoError(t, store.Entities().UpdateLeadResearchStatus(ctx, 42, models.ResearchStatusInProgress))

	registry := NewActiveJobRegistry()
	registry.Add(job.ID)

	guard := NewJobGuard(job.ID, GuardOptions{EntityID: 42, EntityType: models.EntityTypeLead, Rollback: true}, registry, store.Jobs(), store.Entities(), evts, logger)
	guard.Close(ctx)

	require.Empty(t, registry.ListActive())

	updated, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusError, updated.Status)
	require.Equal(t, "Job aborted unexpectedly", updated.ErrorMessage)

	lead, err := store.Entities().GetLead(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusPending, lead.ResearchStatus)
}

func TestJobGuard_DefuseSuppressesCleanup(t *testing.T) {
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	job := models.NewJob(models.JobKindScoring, 1, "Globex", "score", "sonnet", "/tmp/globex", "/tmp/out.json")
	require.NoError(t, store.Jobs().InsertJob(ctx, job))
	exitCode := 0
	require.NoError(t, store.Jobs().UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, &exitCode, ""))

	registry := NewActiveJobRegistry()
	registry.Add(job.ID)

	guard := NewJobGuard(job.ID, GuardOptions{Rollback: false}, registry, store.Jobs(), store.Entities(), nil, logger)
	guard.Defuse()
	registry.Remove(job.ID)
	guard.Close(ctx)

	updated, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, updated.Status, "defused guard must not overwrite a normally-completed job's status")
}
