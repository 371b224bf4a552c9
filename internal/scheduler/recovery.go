package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// Recovery runs the two independent reconciliation sweeps described in
// SPEC_FULL.md §4.6: a stale-job sweep and a stuck-entity sweep, both at
// startup and on a recurring schedule.
type Recovery struct {
	jobs     interfaces.JobStorage
	entities interfaces.EntityStorage
	events   interfaces.EventService
	registry *ActiveJobRegistry
	logger   arbor.ILogger

	staleThreshold time.Duration
	cronSchedule   string
	periodicSweep  bool

	cron *cron.Cron
}

// NewRecovery constructs a Recovery. registry is stored but not read by
// either sweep; the stuck-entity sweep derives active entities from
// Store's queued/running job rows.
func NewRecovery(jobs interfaces.JobStorage, entities interfaces.EntityStorage, events interfaces.EventService, registry *ActiveJobRegistry, cfg common.RecoveryConfig, staleThreshold time.Duration, logger arbor.ILogger) *Recovery {
	return &Recovery{
		jobs:           jobs,
		entities:       entities,
		events:         events,
		registry:       registry,
		logger:         logger,
		staleThreshold: staleThreshold,
		cronSchedule:   cfg.CronSchedule,
		periodicSweep:  cfg.PeriodicSweep,
	}
}

// RunAll runs the stale-job sweep followed by the stuck-entity sweep, in
// that order, as SPEC_FULL.md §4.6 requires (a stale job reset to pending
// by the first sweep must not be re-swept as "stuck" by the second on the
// same pass, since it now has no active job row either — resetting it
// once is correct, not a double-reset).
func (r *Recovery) RunAll(ctx context.Context) error {
	staleCount, err := r.sweepStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("stale job sweep failed: %w", err)
	}
	stuckCount, err := r.sweepStuckEntities(ctx)
	if err != nil {
		return fmt.Errorf("stuck entity sweep failed: %w", err)
	}
	if staleCount > 0 || stuckCount > 0 {
		r.logger.Info().Int("stale_jobs", staleCount).Int("stuck_entities", stuckCount).Msg("Recovery sweep reconciled crash-stranded state")
	}
	return nil
}

// sweepStaleJobs finds queued/running jobs older than the configured
// threshold, marks them error, and resets their owning entity's
// research_status from in_progress to pending when applicable.
func (r *Recovery) sweepStaleJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.staleThreshold).UnixMilli()
	stale, err := r.jobs.GetStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, job := range stale {
		if err := r.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusError, nil, "Recovered stale job"); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark stale job as errored")
			continue
		}

		if job.IsResearchKind() {
			var resetErr error
			eventType := interfaces.EventLeadUpdated
			switch job.Kind {
			case models.JobKindCompanyResearch:
				resetErr = r.entities.UpdateLeadResearchStatus(ctx, job.EntityID, models.ResearchStatusPending)
			case models.JobKindPersonResearch:
				resetErr = r.entities.UpdatePersonResearchStatus(ctx, job.EntityID, models.ResearchStatusPending)
				eventType = interfaces.EventPersonUpdated
			}
			if resetErr != nil {
				r.logger.Error().Err(resetErr).Str("job_id", job.ID).Msg("Failed to reset entity research status for stale job")
			} else if r.events != nil {
				_ = r.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: map[string]interface{}{"entity_id": job.EntityID}})
			}
		}

		if r.events != nil {
			_ = r.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobStatusChanged, Payload: map[string]interface{}{"job_id": job.ID, "status": string(models.JobStatusError)}})
		}
	}

	return len(stale), nil
}

// sweepStuckEntities finds leads and people whose research_status is
// in_progress but which have no active job, and resets them to pending.
// "Active" means a queued or running job row in Store: a CompanyResearch
// job for a lead, a PersonResearch job for a person.
func (r *Recovery) sweepStuckEntities(ctx context.Context) (int, error) {
	activeJobs, err := r.jobs.GetActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	activeLeadIDs := make(map[int64]bool)
	activePersonIDs := make(map[int64]bool)
	for _, job := range activeJobs {
		switch job.Kind {
		case models.JobKindCompanyResearch:
			activeLeadIDs[job.EntityID] = true
		case models.JobKindPersonResearch:
			activePersonIDs[job.EntityID] = true
		}
	}

	reset := 0

	leadIDs, err := r.entities.GetInProgressLeadIDs(ctx)
	if err != nil {
		return reset, err
	}
	for _, id := range leadIDs {
		if activeLeadIDs[id] {
			continue
		}
		if err := r.entities.UpdateLeadResearchStatus(ctx, id, models.ResearchStatusPending); err != nil {
			r.logger.Error().Err(err).Int64("lead_id", id).Msg("Failed to reset stuck lead research status")
			continue
		}
		reset++
		if r.events != nil {
			_ = r.events.Publish(ctx, interfaces.Event{Type: interfaces.EventLeadUpdated, Payload: map[string]interface{}{"entity_id": id}})
		}
	}

	personIDs, err := r.entities.GetInProgressPersonIDs(ctx)
	if err != nil {
		return reset, err
	}
	for _, id := range personIDs {
		if activePersonIDs[id] {
			continue
		}
		if err := r.entities.UpdatePersonResearchStatus(ctx, id, models.ResearchStatusPending); err != nil {
			r.logger.Error().Err(err).Int64("person_id", id).Msg("Failed to reset stuck person research status")
			continue
		}
		reset++
		if r.events != nil {
			_ = r.events.Publish(ctx, interfaces.Event{Type: interfaces.EventPersonUpdated, Payload: map[string]interface{}{"entity_id": id}})
		}
	}

	return reset, nil
}

// Start runs RunAll once immediately, then schedules it on the configured
// cron expression if periodic sweeps are enabled. The returned stop
// function must be called on shutdown; it is a no-op if periodic sweeps
// were disabled.
func (r *Recovery) Start(ctx context.Context) (stop func(), err error) {
	if err := r.RunAll(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Startup recovery sweep failed")
	}

	if !r.periodicSweep {
		return func() {}, nil
	}

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(r.cronSchedule, func() {
		if err := r.RunAll(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Periodic recovery sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid recovery cron schedule %q: %w", r.cronSchedule, err)
	}

	r.cron = c
	c.Start()

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}
