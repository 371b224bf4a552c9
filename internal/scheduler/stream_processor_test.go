package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
	"github.com/liidi/scoutd/internal/services/events"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

func newTestProcessor(t *testing.T, jobID string, batchSize int) (*StreamProcessor, interfaces.JobLogStorage, *sqlite.Store) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	job := models.NewJob(models.JobKindCompanyResearch, 1, "Acme", "research acme", "sonnet", "/tmp/acme", "/tmp/acme/out.md")
	job.ID = jobID
	require.NoError(t, store.Jobs().InsertJob(context.Background(), job))

	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	proc := NewStreamProcessor(jobID, store.JobLogs(), evts, logger, 0, batchSize, 0)
	return proc, store.JobLogs(), store
}

func TestStreamProcessor_ClassifiesSystemAssistantAndErrorLines(t *testing.T) {
	proc, logs, _ := newTestProcessor(t, "job-classify", 1)
	ctx := context.Background()

	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, `{"type":"system","session_id":"sess-1","model":"sonnet"}`))
	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"WebFetch"}]}}`))
	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, `{"type":"result","is_error":true}`))
	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStderr, `panic: boom`))

	rows, err := logs.GetJobLogs(ctx, "job-classify", -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, models.LogTypeSystem, rows[0].LogType)
	require.Equal(t, models.LogTypeAssistant, rows[1].LogType)
	require.Equal(t, "WebFetch", rows[1].ToolName)
	require.Equal(t, models.LogTypeError, rows[2].LogType)
	require.Equal(t, models.LogTypeStderr, rows[3].LogType)

	ctxState := proc.Finalize(ctx, false, 1)
	require.Equal(t, "sess-1", ctxState.SessionID)
	require.Equal(t, "sonnet", ctxState.Model)
}

func TestStreamProcessor_NonJSONStdoutFallsBackToInfo(t *testing.T) {
	proc, logs, _ := newTestProcessor(t, "job-plain", 1)
	ctx := context.Background()

	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, "plain text banner"))

	rows, err := logs.GetJobLogs(ctx, "job-plain", -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.LogTypeInfo, rows[0].LogType)
}

func TestStreamProcessor_TruncatesAfterMaxBytesPerStream(t *testing.T) {
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	job := models.NewJob(models.JobKindCompanyResearch, 1, "Acme", "p", "sonnet", "/tmp/acme", "/tmp/out.md")
	job.ID = "job-truncate"
	require.NoError(t, store.Jobs().InsertJob(context.Background(), job))

	proc := NewStreamProcessor("job-truncate", store.JobLogs(), nil, logger, 10, 1, 0)
	ctx := context.Background()

	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, "0123456789012"))
	require.NoError(t, proc.ProcessLine(ctx, models.LogSourceStdout, "this line should be dropped"))

	rows, err := store.JobLogs().GetJobLogs(ctx, "job-truncate", -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1, "second stdout line must be dropped once truncated")

	result := proc.Finalize(ctx, true, 0)
	require.True(t, result.StdoutTruncated)
	require.False(t, result.StderrTruncated)
}

func TestStreamProcessor_FlushBufferPublishesEvent(t *testing.T) {
	logger := arbor.NewLogger()
	store, err := sqlite.NewStore(logger, &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	job := models.NewJob(models.JobKindScoring, 3, "Globex", "p", "sonnet", "/tmp/globex", "/tmp/out.json")
	job.ID = "job-events"
	require.NoError(t, store.Jobs().InsertJob(context.Background(), job))

	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	received := make(chan interfaces.Event, 1)
	require.NoError(t, evts.Subscribe(interfaces.EventJobLogsAppended, func(ctx context.Context, event interfaces.Event) error {
		received <- event
		return nil
	}))

	proc := NewStreamProcessor("job-events", store.JobLogs(), evts, logger, 0, 1, 0)
	require.NoError(t, proc.ProcessLine(context.Background(), models.LogSourceStdout, `{"type":"system","session_id":"s","model":"m"}`))

	select {
	case evt := <-received:
		payload, ok := evt.Payload.(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "job-events", payload["job_id"])
	case <-time.After(time.Second):
		t.Fatal("expected job-logs-appended event to be published on flush")
	}
}
