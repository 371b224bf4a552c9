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
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
	"github.com/liidi/scoutd/internal/services/events"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

// writeWorkerScript writes an executable shell script standing in for the
// AI worker binary, ignoring every flag/prompt argument it's given.
func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newTestQueue(t *testing.T, workerPath string) (*Queue, *sqlite.Store, *sql.DB, interfaces.EventService) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
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

	queueCfg := common.QueueConfig{
		MaxConcurrentJobs:         2,
		QueueTimeout:              "2s",
		GracefulShutdown:          "50ms",
		StreamDrainTimeout:        "2s",
		LogFlushBatchSize:         1,
		LogFlushInterval:          "10ms",
		MaxAccumulatedOutputBytes: 1024 * 1024,
	}
	workerCfg := common.WorkerConfig{ExecutablePath: workerPath}
	q := NewQueue(store.Jobs(), store.JobLogs(), store.Entities(), evts, handler, queueCfg, workerCfg, common.GatewayConfig{}, logger)
	return q, store, raw, evts
}

func waitForTerminalStatus(t *testing.T, store *sqlite.Store, jobID string, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := store.Jobs().GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status within %s", jobID, timeout)
	return nil
}

func TestQueue_SubmitRunsJobToCompletionAndCommitsEntity(t *testing.T) {
	worker := writeWorkerScript(t, `echo '{"type":"system","session_id":"sess-1","model":"sonnet"}'
for arg in "$@"; do last="$arg"; done
printf '%s' "conversation notes" > "$last"
exit 0`)
	q, store, raw, _ := newTestQueue(t, worker)
	ctx := context.Background()

	_, err := raw.Exec(`INSERT INTO people (id, first_name, last_name, research_status, created_at) VALUES (4, 'Jordan', 'Lee', 'pending', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "topics.md")

	jobID, err := q.Submit(ctx, SubmitRequest{
		Kind:        models.JobKindConversation,
		EntityID:    4,
		EntityLabel: "Jordan Lee",
		Prompt:      outputPath,
		Paths:       JobPaths{WorkingDir: dir, OutputPath: outputPath},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	// The terminal status is written before the completion handler runs, so
	// wait for the supervising task to finish before reading the phase.
	q.Wait()

	job := waitForTerminalStatus(t, store, jobID, 5*time.Second)
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.Equal(t, models.CompletionPhaseCompleted, job.CompletionPhase)

	person, err := store.Entities().GetPerson(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "conversation notes", person.ConversationTopics)
}

func TestQueue_CancelDuringExecutionMarksJobCancelled(t *testing.T) {
	worker := writeWorkerScript(t, `trap 'exit 0' INT TERM
sleep 30 &
wait $!`)
	q, store, _, _ := newTestQueue(t, worker)
	ctx := context.Background()

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "score.json")

	jobID, err := q.Submit(ctx, SubmitRequest{
		Kind:        models.JobKindScoring,
		EntityID:    1,
		EntityLabel: "Acme",
		Prompt:      "score",
		Paths:       JobPaths{WorkingDir: dir, OutputPath: outputPath},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := store.Jobs().GetJob(ctx, jobID)
		return err == nil && job.Status == models.JobStatusRunning
	}, 2*time.Second, 20*time.Millisecond)

	require.True(t, q.Cancel(jobID))

	job := waitForTerminalStatus(t, store, jobID, 5*time.Second)
	require.Equal(t, models.JobStatusCancelled, job.Status)

	q.Wait()
}

func TestQueue_CancelOnUnknownJobReturnsFalse(t *testing.T) {
	q, _, _, _ := newTestQueue(t, "/bin/true")
	require.False(t, q.Cancel("does-not-exist"))
}

func TestQueue_SpawnFailureMarksJobErroredAndRollsBackEntity(t *testing.T) {
	q, store, raw, _ := newTestQueue(t, filepath.Join(t.TempDir(), "nonexistent-binary"))
	ctx := context.Background()

	_, err := raw.Exec(`INSERT INTO leads (id, company_name, research_status, created_at) VALUES (11, 'Acme', 'in_progress', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	dir := t.TempDir()
	jobID, err := q.Submit(ctx, SubmitRequest{
		Kind:        models.JobKindCompanyResearch,
		EntityID:    11,
		EntityLabel: "Acme",
		Prompt:      "research",
		Paths:       JobPaths{WorkingDir: dir, OutputPath: filepath.Join(dir, "out.md")},
		Rollback:    GuardOptions{EntityID: 11, EntityType: models.EntityTypeLead, Rollback: true},
	})
	require.NoError(t, err)

	job := waitForTerminalStatus(t, store, jobID, 5*time.Second)
	require.Equal(t, models.JobStatusError, job.Status)

	lead, err := store.Entities().GetLead(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, models.ResearchStatusPending, lead.ResearchStatus, "a spawn failure must roll the entity back to pending, not leave it stuck in_progress")

	q.Wait()
}
