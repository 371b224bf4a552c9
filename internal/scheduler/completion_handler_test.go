package scheduler

import (
	"context"
	"database/sql"
	"os"
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

func newTestCompletionHandler(t *testing.T) (*CompletionHandler, *sqlite.Store, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "completion.db")
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: path, WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	handler := NewCompletionHandler(store.DB(), store.Jobs(), store.Entities(), evts, logger)
	return handler, store, raw
}

func TestCompletionHandler_CompanyResearchCommitsLeadAndPeople(t *testing.T) {
	handler, store, raw := newTestCompletionHandler(t)
	ctx := context.Background()

	_, err := raw.Exec(`INSERT INTO leads (id, company_name, research_status, created_at) VALUES (1, 'Acme', 'in_progress', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "profile.md")
	secondaryPath := filepath.Join(dir, "people.json")
	require.NoError(t, os.WriteFile(outputPath, []byte("# Acme Corp\nA software company."), 0644))
	require.NoError(t, os.WriteFile(secondaryPath, []byte(`[{"firstName":"Jane","lastName":"Doe","title":"CTO"}]`), 0644))

	job := models.NewJob(models.JobKindCompanyResearch, 1, "Acme", "research", "sonnet", dir, outputPath)
	job.SecondaryPath = secondaryPath
	require.NoError(t, store.Jobs().InsertJob(ctx, job))

	err = handler.Handle(ctx, job, CompletionContext{Success: true, ExitCode: 0})
	require.NoError(t, err)

	lead, err := store.Entities().GetLead(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "# Acme Corp\nA software company.", lead.CompanyProfile)

	fetchedJob, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.CompletionPhaseCompleted, fetchedJob.CompletionPhase)

	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr), "working directory must be cleaned up on success")
}

func TestCompletionHandler_FailureMarksEntityFailedAndSkipsPhases(t *testing.T) {
	handler, store, raw := newTestCompletionHandler(t)
	ctx := context.Background()

	_, err := raw.Exec(`INSERT INTO leads (id, company_name, research_status, created_at) VALUES (5, 'Initech', 'in_progress', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	job := models.NewJob(models.JobKindCompanyResearch, 5, "Initech", "research", "sonnet", "/tmp/nonexistent", "/tmp/nonexistent/out.md")
	require.NoError(t, store.Jobs().InsertJob(ctx, job))

	err = handler.Handle(ctx, job, CompletionContext{Success: false, ExitCode: 1})
	require.NoError(t, err)

	lead, err := store.Entities().GetLead(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusFailed, lead.ResearchStatus)

	fetchedJob, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.CompletionPhaseFailed, fetchedJob.CompletionPhase)
}

func TestCompletionHandler_MissingPrimaryOutputStopsAtStarted(t *testing.T) {
	handler, store, _ := newTestCompletionHandler(t)
	ctx := context.Background()

	job := models.NewJob(models.JobKindConversation, 9, "Jordan", "draft talking points", "sonnet", "/tmp/jordan", "/tmp/jordan/missing.md")
	require.NoError(t, store.Jobs().InsertJob(ctx, job))

	err := handler.Handle(ctx, job, CompletionContext{Success: true, ExitCode: 0})
	require.Error(t, err)

	fetchedJob, err := store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.CompletionPhaseStarted, fetchedJob.CompletionPhase, "phase must pin at the last durably recorded step, not regress")
}

func TestCompletionHandler_CompanyProfileResearchSalvagesFromStdoutWhenFileMissing(t *testing.T) {
	handler, store, raw := newTestCompletionHandler(t)
	ctx := context.Background()

	_, err := raw.Exec(`INSERT INTO leads (id, company_name, research_status, created_at) VALUES (2, 'Globex', 'in_progress', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	dir := t.TempDir()
	job := models.NewJob(models.JobKindCompanyProfileResearch, 2, "Globex", "profile", "sonnet", dir, filepath.Join(dir, "missing.json"))
	require.NoError(t, store.Jobs().InsertJob(ctx, job))

	stdout := "some preamble\n```json\n{\"industry\":\"manufacturing\"}\n```\ntrailing text"
	err = handler.Handle(ctx, job, CompletionContext{Success: true, ExitCode: 0, RawStdout: stdout})
	require.NoError(t, err)

	lead, err := store.Entities().GetLead(ctx, 2)
	require.NoError(t, err)
	require.Contains(t, lead.CompanyProfile, "manufacturing")
}

func TestSalvageJSON_PrefersFencedBlockOverBraceScan(t *testing.T) {
	raw := "noise {not json} more\n```json\n{\"a\":1}\n```\n"
	got, err := salvageJSON(raw)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, got)
}

func TestSalvageJSON_FallsBackToBraceBalancedScan(t *testing.T) {
	raw := `prefix {"a":{"b":1},"c":2} suffix`
	got, err := salvageJSON(raw)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"b":1},"c":2}`, got)
}

func TestSalvageJSON_ErrorsWhenNoObjectPresent(t *testing.T) {
	_, err := salvageJSON("no json here at all")
	require.Error(t, err)
}
