package interfaces

import (
	"context"
	"database/sql"

	"github.com/liidi/scoutd/internal/models"
)

// JobStorage persists Job rows (SPEC_FULL.md §4.1, Store operations).
type JobStorage interface {
	InsertJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, exitCode *int, errorMessage string) error
	UpdateJobPID(ctx context.Context, jobID string, pid int) error
	UpdateJobAISession(ctx context.Context, jobID string, sessionID, model string) error
	UpdateJobStreamStats(ctx context.Context, jobID string, stdoutBytes, stderrBytes int64, stdoutTruncated, stderrTruncated bool, lastEventIndex int64) error
	UpdateJobCompletionPhase(ctx context.Context, jobID string, phase models.CompletionPhase) error
	GetActiveJobForEntity(ctx context.Context, entityID int64, kind models.JobKind) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetActiveJobs(ctx context.Context) ([]*models.Job, error)
	GetRecentJobs(ctx context.Context, limit int) ([]*models.Job, error)
	GetStaleJobs(ctx context.Context, olderThanMS int64) ([]*models.Job, error)
	CleanupOldJobs(ctx context.Context, olderThanMS int64) (int, error)
}

// JobLogStorage persists JobLog rows (SPEC_FULL.md §4.1/§4.2).
type JobLogStorage interface {
	InsertJobLogsBatch(ctx context.Context, logs []*models.JobLog) error
	GetJobLogs(ctx context.Context, jobID string, afterSequence int64, limit int) ([]*models.JobLog, error)
}

// EntityStorage persists the domain entities a job's Completion Handler
// mutates (SPEC_FULL.md §4.1/§4.3): Lead, Person, ScoringConfig, LeadScore,
// Prompt.
type EntityStorage interface {
	GetLead(ctx context.Context, id int64) (*models.Lead, error)
	UpdateLeadResearchStatus(ctx context.Context, id int64, status models.ResearchStatus) error
	EnrichLead(ctx context.Context, id int64, companyProfile string, researchedAt int64) error
	ApplyLeadEnrichment(ctx context.Context, id int64, enrichment models.Enrichment) error
	ReplaceLeadPeople(ctx context.Context, leadID int64, people []models.PersonStub) (int, error)
	GetInProgressLeadIDs(ctx context.Context) ([]int64, error)

	GetPerson(ctx context.Context, id int64) (*models.Person, error)
	UpdatePersonResearchStatus(ctx context.Context, id int64, status models.ResearchStatus) error
	EnrichPerson(ctx context.Context, id int64, personProfile string, researchedAt int64) error
	ApplyPersonEnrichment(ctx context.Context, id int64, enrichment models.Enrichment) error
	SetConversationTopics(ctx context.Context, id int64, topics string, generatedAt int64) error
	GetInProgressPersonIDs(ctx context.Context) ([]int64, error)

	GetActiveScoringConfig(ctx context.Context) (*models.ScoringConfig, error)
	InsertLeadScore(ctx context.Context, score *models.LeadScore) error
	DeleteLeadScoreForLead(ctx context.Context, leadID int64) error

	GetPrompt(ctx context.Context, promptType string) (*models.Prompt, error)

	// WithTx returns an EntityStorage bound to tx, so multiple mutations
	// (e.g. CompanyResearch's people replacement + lead enrichment) commit
	// or roll back atomically as one Completion Handler transaction
	// (SPEC_FULL.md §4.1/§4.3).
	WithTx(tx *sql.Tx) EntityStorage
}
