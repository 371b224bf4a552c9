package models

// LogType is the derived classification of a JobLog line.
type LogType string

const (
	LogTypeSystem     LogType = "system"
	LogTypeAssistant  LogType = "assistant"
	LogTypeToolResult LogType = "tool_result"
	LogTypeError      LogType = "error"
	LogTypeInfo       LogType = "info"
	LogTypeStderr     LogType = "stderr"
)

// LogSource identifies which child stream (or the scheduler itself)
// produced a JobLog line.
type LogSource string

const (
	LogSourceStdout   LogSource = "stdout"
	LogSourceStderr   LogSource = "stderr"
	LogSourceInternal LogSource = "internal"
)

// JobLog is one line of a job's captured output. (sequence, job_id) is
// unique and sequences are contiguous starting at 0 for a given job.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	LogType   LogType   `json:"log_type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp int64     `json:"timestamp"` // ms since epoch
	Sequence  int64     `json:"sequence"`
	Source    LogSource `json:"source"`
}
