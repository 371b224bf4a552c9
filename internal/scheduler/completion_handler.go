package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// txBeginner is satisfied by sqlite.SQLiteDB without importing the
// storage package directly; callers pass store.DB() to NewCompletionHandler.
type txBeginner interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

// CompletionHandler runs exactly once per job after the child exits and
// the Stream Processor has finalised, driving the six-phase state machine
// described in SPEC_FULL.md §4.3.
type CompletionHandler struct {
	db       txBeginner
	jobs     interfaces.JobStorage
	entities interfaces.EntityStorage
	events   interfaces.EventService
	logger   arbor.ILogger
}

// NewCompletionHandler constructs a CompletionHandler.
func NewCompletionHandler(db txBeginner, jobs interfaces.JobStorage, entities interfaces.EntityStorage, events interfaces.EventService, logger arbor.ILogger) *CompletionHandler {
	return &CompletionHandler{db: db, jobs: jobs, entities: entities, events: events, logger: logger}
}

// parsedContent is the union of what content_parsed may have extracted,
// keyed by which fields a given job kind actually populates.
type parsedContent struct {
	primaryText string
	people      []models.PersonStub
	enrichment  models.Enrichment
	scoring     *models.ScoringResult
}

// Handle drives the job from started through completed (or failed). job
// must already carry its final status and exit code.
//
// On success=false at entry, the handler marks the owning entity failed
// and records completion_phase=failed outright, skipping phases 1-6. On
// any other failure, completion_phase simply stops advancing at the last
// phase durably recorded — the caller (Queue step m) is responsible for
// marking the entity failed, setting the job status to error, and
// emitting the corresponding entity-updated event, since only it knows
// the job's final status classification.
func (h *CompletionHandler) Handle(ctx context.Context, job *models.Job, completion CompletionContext) error {
	if !completion.Success {
		return h.fail(ctx, job)
	}

	if err := h.setPhase(ctx, job, models.CompletionPhaseStarted); err != nil {
		return err
	}

	if err := h.verifyFiles(ctx, job); err != nil {
		return fmt.Errorf("output verification failed: %w", err)
	}
	if err := h.setPhase(ctx, job, models.CompletionPhaseFilesVerified); err != nil {
		return err
	}

	content, err := h.parseContent(job, completion)
	if err != nil {
		return fmt.Errorf("content parsing failed: %w", err)
	}
	if err := h.setPhase(ctx, job, models.CompletionPhaseContentParsed); err != nil {
		return err
	}

	if err := h.commitDatabaseUpdates(ctx, job, content); err != nil {
		return fmt.Errorf("database update failed: %w", err)
	}
	if err := h.setPhase(ctx, job, models.CompletionPhaseDatabaseUpdated); err != nil {
		return err
	}

	h.cleanupFiles(job)
	if err := h.setPhase(ctx, job, models.CompletionPhaseFilesCleanedUp); err != nil {
		return err
	}

	h.emitCompletionEvents(ctx, job, content)
	return h.setPhase(ctx, job, models.CompletionPhaseCompleted)
}

// fail marks the owning entity (if any) failed and records completion_phase
// failed, skipping phases 1-6, per SPEC_FULL.md §4.3's final paragraph.
func (h *CompletionHandler) fail(ctx context.Context, job *models.Job) error {
	if job.IsResearchKind() {
		var err error
		switch job.Kind {
		case models.JobKindCompanyResearch:
			err = h.entities.UpdateLeadResearchStatus(ctx, job.EntityID, models.ResearchStatusFailed)
		case models.JobKindPersonResearch:
			err = h.entities.UpdatePersonResearchStatus(ctx, job.EntityID, models.ResearchStatusFailed)
		}
		if err != nil {
			h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark entity research_status failed")
		}
	}
	return h.jobs.UpdateJobCompletionPhase(ctx, job.ID, models.CompletionPhaseFailed)
}

func (h *CompletionHandler) setPhase(ctx context.Context, job *models.Job, phase models.CompletionPhase) error {
	if err := h.jobs.UpdateJobCompletionPhase(ctx, job.ID, phase); err != nil {
		return fmt.Errorf("failed to record completion phase %s: %w", phase, err)
	}
	job.CompletionPhase = phase
	return nil
}

// verifyFiles checks that the primary output exists and is non-empty.
// Secondary/enrichment files are optional: missing enrichment is
// non-fatal, missing secondary leaves people empty (checked later, in
// parseContent).
func (h *CompletionHandler) verifyFiles(ctx context.Context, job *models.Job) error {
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		if job.Kind == models.JobKindCompanyProfileResearch {
			// Primary JSON may be absent entirely; salvage from stdout instead.
			return nil
		}
		return fmt.Errorf("primary output missing: %w", err)
	}
	if info.Size() == 0 {
		if job.Kind == models.JobKindCompanyProfileResearch {
			return nil
		}
		return fmt.Errorf("primary output is empty")
	}
	return nil
}

func (h *CompletionHandler) parseContent(job *models.Job, completion CompletionContext) (*parsedContent, error) {
	switch job.Kind {
	case models.JobKindCompanyResearch:
		primary, err := readFileString(job.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read primary output: %w", err)
		}
		people, err := readPeopleArray(job.SecondaryPath)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Secondary output unreadable, leaving people empty")
		}
		enrichment, err := readEnrichment(job.EnrichmentPath)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Enrichment output unreadable, skipping")
		}
		return &parsedContent{primaryText: primary, people: people, enrichment: enrichment}, nil

	case models.JobKindPersonResearch:
		primary, err := readFileString(job.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read primary output: %w", err)
		}
		enrichment, err := readEnrichment(job.EnrichmentPath)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Enrichment output unreadable, skipping")
		}
		return &parsedContent{primaryText: primary, enrichment: enrichment}, nil

	case models.JobKindScoring:
		raw, err := readFileString(job.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read primary output: %w", err)
		}
		var result models.ScoringResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("failed to parse scoring result: %w", err)
		}
		return &parsedContent{scoring: &result}, nil

	case models.JobKindConversation:
		primary, err := readFileString(job.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read primary output: %w", err)
		}
		return &parsedContent{primaryText: primary}, nil

	case models.JobKindCompanyProfileResearch:
		raw, err := readFileString(job.OutputPath)
		if err != nil || strings.TrimSpace(raw) == "" {
			raw, err = salvageJSON(completion.RawStdout)
			if err != nil {
				return nil, fmt.Errorf("failed to salvage JSON from stdout: %w", err)
			}
		}
		var enrichment models.Enrichment
		if err := json.Unmarshal([]byte(raw), &enrichment); err != nil {
			return nil, fmt.Errorf("failed to parse company profile JSON: %w", err)
		}
		return &parsedContent{primaryText: raw, enrichment: enrichment}, nil

	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// commitDatabaseUpdates applies every domain mutation for one job inside a
// single transaction, so a failure partway through leaves the prior state
// intact and completion_phase pinned at content_parsed (SPEC_FULL.md
// §4.3, Completion atomicity).
func (h *CompletionHandler) commitDatabaseUpdates(ctx context.Context, job *models.Job, content *parsedContent) error {
	tx, err := h.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entities := h.entities.WithTx(tx)
	now := time.Now().UnixMilli()

	switch job.Kind {
	case models.JobKindCompanyResearch:
		if _, err := entities.ReplaceLeadPeople(ctx, job.EntityID, content.people); err != nil {
			return fmt.Errorf("failed to replace lead people: %w", err)
		}
		if err := entities.EnrichLead(ctx, job.EntityID, content.primaryText, now); err != nil {
			return fmt.Errorf("failed to enrich lead: %w", err)
		}
		if len(content.enrichment) > 0 {
			if err := entities.ApplyLeadEnrichment(ctx, job.EntityID, content.enrichment); err != nil {
				return fmt.Errorf("failed to apply lead enrichment: %w", err)
			}
		}

	case models.JobKindPersonResearch:
		if err := entities.EnrichPerson(ctx, job.EntityID, content.primaryText, now); err != nil {
			return fmt.Errorf("failed to enrich person: %w", err)
		}
		if len(content.enrichment) > 0 {
			if err := entities.ApplyPersonEnrichment(ctx, job.EntityID, content.enrichment); err != nil {
				return fmt.Errorf("failed to apply person enrichment: %w", err)
			}
		}

	case models.JobKindScoring:
		cfg, err := entities.GetActiveScoringConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load active scoring config: %w", err)
		}
		result := content.scoring
		tier := result.Tier
		if tier == "" {
			tier = cfg.Tier(result.TotalScore)
		}
		requirementResults, err := json.Marshal(result.RequirementResults)
		if err != nil {
			return fmt.Errorf("failed to marshal requirement results: %w", err)
		}
		scoreBreakdown, err := json.Marshal(result.ScoreBreakdown)
		if err != nil {
			return fmt.Errorf("failed to marshal score breakdown: %w", err)
		}
		if err := entities.DeleteLeadScoreForLead(ctx, job.EntityID); err != nil {
			return fmt.Errorf("failed to delete prior score: %w", err)
		}
		if err := entities.InsertLeadScore(ctx, &models.LeadScore{
			LeadID:             job.EntityID,
			ConfigID:           cfg.ID,
			PassesRequirements: result.PassesRequirements,
			RequirementResults: string(requirementResults),
			TotalScore:         result.TotalScore,
			ScoreBreakdown:     string(scoreBreakdown),
			Tier:               tier,
			ScoringNotes:       result.ScoringNotes,
			ScoredAt:           &now,
			CreatedAt:          now,
		}); err != nil {
			return fmt.Errorf("failed to insert lead score: %w", err)
		}

	case models.JobKindConversation:
		if err := entities.SetConversationTopics(ctx, job.EntityID, content.primaryText, now); err != nil {
			return fmt.Errorf("failed to set conversation topics: %w", err)
		}

	case models.JobKindCompanyProfileResearch:
		if err := entities.EnrichLead(ctx, job.EntityID, content.primaryText, now); err != nil {
			return fmt.Errorf("failed to apply company profile text: %w", err)
		}
		if len(content.enrichment) > 0 {
			if err := entities.ApplyLeadEnrichment(ctx, job.EntityID, content.enrichment); err != nil {
				return fmt.Errorf("failed to apply company profile enrichment: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion transaction: %w", err)
	}
	return nil
}

// cleanupFiles removes job output on disk: the whole working directory for
// research kinds, the single output file otherwise. Failures are logged
// and non-fatal — files are recoverable and the domain data already
// committed (SPEC_FULL.md §4.3, Open Question b).
func (h *CompletionHandler) cleanupFiles(job *models.Job) {
	var err error
	switch job.Kind {
	case models.JobKindCompanyResearch, models.JobKindPersonResearch:
		err = os.RemoveAll(job.WorkingDir)
	default:
		err = os.Remove(job.OutputPath)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", job.ID).Str("path", job.WorkingDir).Msg("Failed to clean up job output files, advancing anyway")
	}
}

func (h *CompletionHandler) emitCompletionEvents(ctx context.Context, job *models.Job, content *parsedContent) {
	if h.events == nil {
		return
	}
	switch job.Kind {
	case models.JobKindCompanyResearch:
		_ = h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventLeadUpdated, Payload: map[string]interface{}{"lead_id": job.EntityID}})
		_ = h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventPeopleBulkCreated, Payload: map[string]interface{}{"lead_id": job.EntityID, "count": len(content.people)}})
	case models.JobKindPersonResearch, models.JobKindConversation:
		_ = h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventPersonUpdated, Payload: map[string]interface{}{"person_id": job.EntityID}})
	case models.JobKindScoring:
		tier := ""
		total := 0
		if content.scoring != nil {
			tier = content.scoring.Tier
			total = content.scoring.TotalScore
		}
		_ = h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventLeadScored, Payload: map[string]interface{}{"lead_id": job.EntityID, "tier": tier, "total_score": total}})
	case models.JobKindCompanyProfileResearch:
		_ = h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventCompanyProfileUpdated, Payload: map[string]interface{}{"entity_id": job.EntityID}})
	}
}

func readFileString(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readPeopleArray(path string) ([]models.PersonStub, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var people []models.PersonStub
	if err := json.Unmarshal(data, &people); err != nil {
		return nil, fmt.Errorf("failed to parse people array: %w", err)
	}
	return people, nil
}

func readEnrichment(path string) (models.Enrichment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var enrichment models.Enrichment
	if err := json.Unmarshal(data, &enrichment); err != nil {
		return nil, fmt.Errorf("failed to parse enrichment: %w", err)
	}
	return enrichment, nil
}

// salvageJSON extracts a JSON object from raw stdout when
// CompanyProfileResearch produced no primary file: first a fenced ```json
// block, otherwise the first full brace-balanced object (SPEC_FULL.md
// §4.3, phase 3).
func salvageJSON(raw string) (string, error) {
	if fenced, ok := extractFencedJSON(raw); ok {
		return fenced, nil
	}
	if obj, ok := extractBraceBalanced(raw); ok {
		return obj, nil
	}
	return "", fmt.Errorf("no JSON object found in accumulated stdout")
}

func extractFencedJSON(raw string) (string, bool) {
	const marker = "```json"
	start := strings.Index(raw, marker)
	if start < 0 {
		return "", false
	}
	rest := raw[start+len(marker):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func extractBraceBalanced(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}
