// -----------------------------------------------------------------------
// Job Model - scheduling unit for the subprocess job scheduler
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the semantic type of a job, which determines which
// prompt is built and how the Completion Handler parses output.
type JobKind string

const (
	JobKindCompanyResearch        JobKind = "company_research"
	JobKindPersonResearch         JobKind = "person_research"
	JobKindScoring                JobKind = "scoring"
	JobKindConversation           JobKind = "conversation"
	JobKindCompanyProfileResearch JobKind = "company_profile_research"
)

// JobStatus is the lifecycle state of a Job row.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is one a job never leaves.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusTimeout, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CompletionPhase records how far the Completion Handler advanced for a
// job. It only ever moves forward; a crash mid-handler leaves it pinned at
// the last phase that was durably recorded, which is what Recovery and
// postmortem tooling read to decide what to do next.
type CompletionPhase string

const (
	CompletionPhaseNone            CompletionPhase = ""
	CompletionPhaseStarted         CompletionPhase = "started"
	CompletionPhaseFilesVerified   CompletionPhase = "files_verified"
	CompletionPhaseContentParsed   CompletionPhase = "content_parsed"
	CompletionPhaseDatabaseUpdated CompletionPhase = "database_updated"
	CompletionPhaseFilesCleanedUp  CompletionPhase = "files_cleaned_up"
	CompletionPhaseCompleted       CompletionPhase = "completed"
	CompletionPhaseFailed          CompletionPhase = "failed"
)

// Job is the scheduling unit. Lifecycle invariants:
// created_at <= started_at <= completed_at whenever the latter are set;
// started_at is set exactly on the transition to running; completed_at is
// set exactly on the transition to a terminal status.
type Job struct {
	ID             string    `json:"id"`
	Kind           JobKind   `json:"kind"`
	EntityID       int64     `json:"entity_id"`
	EntityLabel    string    `json:"entity_label"`
	Status         JobStatus `json:"status"`
	Prompt         string    `json:"prompt"`
	Model          string    `json:"model"`
	WorkingDir     string    `json:"working_dir"`
	OutputPath     string    `json:"output_path"`
	SecondaryPath  string    `json:"secondary_path,omitempty"`
	EnrichmentPath string    `json:"enrichment_path,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`

	CreatedAt   int64 `json:"created_at"`             // ms since epoch
	StartedAt   *int64 `json:"started_at,omitempty"`  // ms since epoch
	CompletedAt *int64 `json:"completed_at,omitempty"` // ms since epoch

	PID             *int   `json:"pid,omitempty"`
	AISessionID     string `json:"ai_session_id,omitempty"`
	AIModel         string `json:"ai_model,omitempty"`
	LastEventIndex  int64  `json:"last_event_index"`

	TotalStdoutBytes int64 `json:"total_stdout_bytes"`
	TotalStderrBytes int64 `json:"total_stderr_bytes"`
	StdoutTruncated  bool  `json:"stdout_truncated"`
	StderrTruncated  bool  `json:"stderr_truncated"`

	CompletionPhase CompletionPhase `json:"completion_phase"`
}

// NewJob constructs a Job in its initial queued state. The caller is
// responsible for persisting it via Store.InsertJob before spawning any
// supervising work against it.
func NewJob(kind JobKind, entityID int64, entityLabel, prompt, model, workingDir, outputPath string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		EntityID:    entityID,
		EntityLabel: entityLabel,
		Status:      JobStatusQueued,
		Prompt:      prompt,
		Model:       model,
		WorkingDir:  workingDir,
		OutputPath:  outputPath,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

// Validate checks the fields required for a job to be admitted.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Kind == "" {
		return fmt.Errorf("job kind is required")
	}
	if j.Prompt == "" {
		return fmt.Errorf("job prompt is required")
	}
	if j.WorkingDir == "" {
		return fmt.Errorf("job working directory is required")
	}
	return nil
}

// Timeout returns the execution timeout for this job's kind: Scoring gets
// five minutes, everything else gets the default ten.
func (j *Job) Timeout() time.Duration {
	if j.Kind == JobKindScoring {
		return 5 * time.Minute
	}
	return 10 * time.Minute
}

// IsResearchKind reports whether this job kind owns an entity whose
// research_status the scheduler writes directly (company/person research).
func (j *Job) IsResearchKind() bool {
	return j.Kind == JobKindCompanyResearch || j.Kind == JobKindPersonResearch
}
