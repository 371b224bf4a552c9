package scheduler

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

type jobIDKey struct{}

// WithJobID attaches a job id to ctx so ContextLogger can mirror log
// calls into that job's persisted JobLog stream.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

func jobIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok && id != ""
}

// ContextLogger mirrors Info/Warn/Error calls into both arbor and, when
// the context carries a job id, the job's own log stream. The Queue, Guard,
// Recovery and Completion Handler log through arbor directly and do not
// construct one.
type ContextLogger struct {
	arbor    arbor.ILogger
	jobLogs  interfaces.JobLogStorage
	sequence func(jobID string) int64
}

// NewContextLogger builds a ContextLogger. nextSequence must return the
// next free sequence number for jobID, monotonic per job.
func NewContextLogger(logger arbor.ILogger, jobLogs interfaces.JobLogStorage, nextSequence func(jobID string) int64) *ContextLogger {
	return &ContextLogger{arbor: logger, jobLogs: jobLogs, sequence: nextSequence}
}

func (c *ContextLogger) Debug(ctx context.Context, msg string) {
	c.arbor.Debug().Msg(msg)
}

func (c *ContextLogger) Info(ctx context.Context, msg string) {
	c.arbor.Info().Msg(msg)
	c.logToJob(ctx, models.LogTypeInfo, msg)
}

func (c *ContextLogger) Warn(ctx context.Context, msg string) {
	c.arbor.Warn().Msg(msg)
	c.logToJob(ctx, models.LogTypeInfo, msg)
}

func (c *ContextLogger) Error(ctx context.Context, err error, msg string) {
	c.arbor.Error().Err(err).Msg(msg)
	c.logToJob(ctx, models.LogTypeError, msg)
}

func (c *ContextLogger) logToJob(ctx context.Context, logType models.LogType, msg string) {
	jobID, ok := jobIDFromContext(ctx)
	if !ok || c.jobLogs == nil {
		return
	}

	entry := &models.JobLog{
		JobID:     jobID,
		LogType:   logType,
		Content:   msg,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  c.sequence(jobID),
		Source:    models.LogSourceInternal,
	}

	if err := c.jobLogs.InsertJobLogsBatch(ctx, []*models.JobLog{entry}); err != nil {
		c.arbor.Warn().Err(err).Str("job_id", jobID).Msg("Failed to persist scheduler log line to job")
	}
}
