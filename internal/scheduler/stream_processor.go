package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// rawStdoutCap bounds the raw-stdout snapshot kept for CompanyProfileResearch
// salvage parsing. Independent of maxBytes truncation applied to persisted
// job_logs rows.
const rawStdoutCap = 2 * 1024 * 1024

// DefaultMaxAccumulatedBytes bounds how much of a single stream is kept
// before further lines are dropped (SPEC_FULL.md §3/§8, bounded-memory
// property). Each of stdout and stderr is tracked independently.
const DefaultMaxAccumulatedBytes = 10 * 1024 * 1024

// CompletionContext is what Finalize hands to the Completion Handler: the
// accumulated stream stats and the worker-reported session metadata, if
// any init event was seen.
type CompletionContext struct {
	Success         bool
	ExitCode        int
	StdoutBytes     int64
	StderrBytes     int64
	StdoutTruncated bool
	StderrTruncated bool
	LastEventIndex  int64
	SessionID       string
	Model           string
	RawStdout       string
}

// StreamProcessor classifies and persists a running job's stdout/stderr
// lines, batching writes and publishing a push event per flush
// (SPEC_FULL.md §4.2).
type StreamProcessor struct {
	jobID         string
	jobLogs       interfaces.JobLogStorage
	events        interfaces.EventService
	logger        arbor.ILogger
	maxBytes      int64
	batchSize     int
	flushInterval time.Duration

	mu              sync.Mutex
	buffer          []*models.JobLog
	nextSequence    int64
	stdoutBytes     int64
	stderrBytes     int64
	stdoutTruncated bool
	stderrTruncated bool
	sessionID       string
	model           string
	rawStdout       strings.Builder
}

// NewStreamProcessor constructs a processor for one job's lifetime.
func NewStreamProcessor(jobID string, jobLogs interfaces.JobLogStorage, events interfaces.EventService, logger arbor.ILogger, maxBytes int64, batchSize int, flushInterval time.Duration) *StreamProcessor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAccumulatedBytes
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &StreamProcessor{
		jobID:         jobID,
		jobLogs:       jobLogs,
		events:        events,
		logger:        logger,
		maxBytes:      maxBytes,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// rawEvent is the loosely-typed shape of one stream-json line, covering
// every field any classification or extraction rule reads.
type rawEvent struct {
	Type      string `json:"type"`
	IsError   *bool  `json:"is_error"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	ContentBlock *contentBlock `json:"content_block"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ProcessLine classifies one line of output and appends it to the batch
// buffer, flushing when the buffer reaches its configured size or, when a
// flush interval is set, when the oldest buffered line is at least that
// old (checked as each line arrives). A stream
// that has already tripped its truncation flag still has its byte count
// updated, but no further content is retained.
func (p *StreamProcessor) ProcessLine(ctx context.Context, source models.LogSource, line string) error {
	p.mu.Lock()
	size := int64(len(line)) + 1 // account for the newline the reader split on
	var truncatedNow bool
	switch source {
	case models.LogSourceStdout:
		p.stdoutBytes += size
		if p.rawStdout.Len() < rawStdoutCap {
			p.rawStdout.WriteString(line)
			p.rawStdout.WriteByte('\n')
		}
		if p.stdoutTruncated {
			p.mu.Unlock()
			return nil
		}
		if p.stdoutBytes > p.maxBytes {
			p.stdoutTruncated = true
			truncatedNow = true
		}
	case models.LogSourceStderr:
		p.stderrBytes += size
		if p.stderrTruncated {
			p.mu.Unlock()
			return nil
		}
		if p.stderrBytes > p.maxBytes {
			p.stderrTruncated = true
			truncatedNow = true
		}
	}
	p.mu.Unlock()

	if truncatedNow {
		p.logger.Warn().Str("job_id", p.jobID).Str("source", string(source)).Msg("Stream output exceeded accumulation limit, truncating")
	}

	logType, toolName := p.classify(source, line)

	p.mu.Lock()
	entry := &models.JobLog{
		JobID:     p.jobID,
		LogType:   logType,
		Content:   line,
		ToolName:  toolName,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  p.nextSequence,
		Source:    source,
	}
	p.nextSequence++
	p.buffer = append(p.buffer, entry)
	shouldFlush := len(p.buffer) >= p.batchSize ||
		(p.flushInterval > 0 && time.Since(time.UnixMilli(p.buffer[0].Timestamp)) >= p.flushInterval)
	p.mu.Unlock()

	if shouldFlush {
		return p.FlushBuffer(ctx)
	}
	return nil
}

// classify derives the LogType and, where applicable, the tool name for
// one line, following the table in SPEC_FULL.md §4.2. stderr lines are
// always classified as stderr regardless of content; stdout lines that
// aren't valid JSON fall back to info.
func (p *StreamProcessor) classify(source models.LogSource, line string) (models.LogType, string) {
	if source == models.LogSourceStderr {
		return models.LogTypeStderr, ""
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return models.LogTypeInfo, ""
	}

	var evt rawEvent
	if err := json.Unmarshal([]byte(trimmed), &evt); err != nil {
		return models.LogTypeInfo, ""
	}

	if evt.Type == "system" && evt.SessionID != "" {
		p.mu.Lock()
		p.sessionID = evt.SessionID
		p.model = evt.Model
		p.mu.Unlock()
	}

	switch evt.Type {
	case "system":
		return models.LogTypeSystem, ""
	case "assistant":
		toolName := ""
		if evt.Message != nil {
			for _, block := range evt.Message.Content {
				if block.Type == "tool_use" && block.Name != "" {
					toolName = block.Name
					break
				}
			}
		}
		return models.LogTypeAssistant, toolName
	case "user":
		return models.LogTypeToolResult, ""
	case "result":
		if evt.IsError != nil && *evt.IsError {
			return models.LogTypeError, ""
		}
		return models.LogTypeInfo, ""
	case "error":
		return models.LogTypeError, ""
	case "content_block_start", "content_block_delta", "content_block_stop":
		toolName := ""
		if evt.ContentBlock != nil {
			toolName = evt.ContentBlock.Name
		}
		return models.LogTypeAssistant, toolName
	default:
		return models.LogTypeInfo, ""
	}
}

// FlushBuffer persists the buffered batch and publishes a push event. A
// database error drops the buffered batch rather than re-queuing it
// (SPEC_FULL.md §9, Open Question a: acceptable loss, not retried).
func (p *StreamProcessor) FlushBuffer(ctx context.Context) error {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.jobLogs.InsertJobLogsBatch(ctx, batch); err != nil {
		p.logger.Warn().Err(err).Str("job_id", p.jobID).Int("count", len(batch)).Msg("Failed to flush job log batch, dropping")
		return nil
	}

	last := batch[len(batch)-1]
	if p.events != nil {
		_ = p.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventJobLogsAppended,
			Payload: map[string]interface{}{
				"job_id":        p.jobID,
				"count":         len(batch),
				"last_sequence": last.Sequence,
			},
		})
	}

	return nil
}

// Finalize flushes any remaining buffered lines and returns the
// accumulated stream stats for the Completion Handler.
func (p *StreamProcessor) Finalize(ctx context.Context, success bool, exitCode int) CompletionContext {
	_ = p.FlushBuffer(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	return CompletionContext{
		Success:         success,
		ExitCode:        exitCode,
		StdoutBytes:     p.stdoutBytes,
		StderrBytes:     p.stderrBytes,
		StdoutTruncated: p.stdoutTruncated,
		StderrTruncated: p.stderrTruncated,
		LastEventIndex:  p.nextSequence,
		SessionID:       p.sessionID,
		Model:           p.model,
		RawStdout:       p.rawStdout.String(),
	}
}
