package scheduler

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// JobGuard is the scheduler's RAII-equivalent safety net (SPEC_FULL.md
// §4.4): constructed when a supervising task begins, it is Defused on a
// normal exit. If Close runs without having been defused — the
// supervising task panicked or returned early — it performs the same
// cleanup a destructor would: drop the job from the active registry,
// roll the owning entity's research_status back to pending if one was
// given, and mark the job row as errored.
type JobGuard struct {
	jobID        string
	entityID     int64
	entityType   models.EntityType
	rollback     bool
	defused      bool
	registry     *ActiveJobRegistry
	jobs         interfaces.JobStorage
	entities     interfaces.EntityStorage
	events       interfaces.EventService
	logger       arbor.ILogger
}

// GuardOptions configures the rollback behavior of a JobGuard.
type GuardOptions struct {
	EntityID   int64
	EntityType models.EntityType
	Rollback   bool // true for CompanyResearch/PersonResearch jobs
}

// NewJobGuard returns a guard for jobID; it does not add jobID to the
// registry, which the caller does separately. Call Defuse
// before returning normally from the supervising task; otherwise defer
// Close so an abnormal unwind (including a recovered panic) still runs
// cleanup.
func NewJobGuard(jobID string, opts GuardOptions, registry *ActiveJobRegistry, jobs interfaces.JobStorage, entities interfaces.EntityStorage, events interfaces.EventService, logger arbor.ILogger) *JobGuard {
	return &JobGuard{
		jobID:      jobID,
		entityID:   opts.EntityID,
		entityType: opts.EntityType,
		rollback:   opts.Rollback,
		registry:   registry,
		jobs:       jobs,
		entities:   entities,
		events:     events,
		logger:     logger,
	}
}

// Defuse marks the guard as having completed normally; Close becomes a
// no-op.
func (g *JobGuard) Defuse() {
	g.defused = true
}

// Close runs the abnormal-unwind cleanup unless the guard was defused.
// Safe to call multiple times and safe to call from a recover() block.
func (g *JobGuard) Close(ctx context.Context) {
	if g.defused {
		return
	}
	g.defused = true

	g.logger.Warn().Str("job_id", g.jobID).Msg("Job guard unwinding abnormally, cleaning up")

	g.registry.Remove(g.jobID)

	if g.rollback && g.entities != nil {
		var err error
		switch g.entityType {
		case models.EntityTypeLead:
			err = g.entities.UpdateLeadResearchStatus(ctx, g.entityID, models.ResearchStatusPending)
		case models.EntityTypePerson:
			err = g.entities.UpdatePersonResearchStatus(ctx, g.entityID, models.ResearchStatusPending)
		}
		if err != nil {
			g.logger.Error().Err(err).Str("job_id", g.jobID).Msg("Failed to roll back entity research status")
		} else if g.events != nil {
			eventType := interfaces.EventLeadUpdated
			if g.entityType == models.EntityTypePerson {
				eventType = interfaces.EventPersonUpdated
			}
			_ = g.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: map[string]interface{}{"entity_id": g.entityID}})
		}
	}

	if g.jobs != nil {
		if err := g.jobs.UpdateJobStatus(ctx, g.jobID, models.JobStatusError, nil, "Job aborted unexpectedly"); err != nil {
			g.logger.Error().Err(err).Str("job_id", g.jobID).Msg("Failed to mark aborted job as errored")
		} else if g.events != nil {
			_ = g.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventJobStatusChanged,
				Payload: map[string]interface{}{"job_id": g.jobID, "status": string(models.JobStatusError)},
			})
		}
	}
}

// ActiveJobRegistry tracks in-flight jobs by id, mapping each to a
// cancellation channel closed by Cancel. SPEC_FULL.md §3 describes this as
// an in-memory map guarded by its own mutex, independent of the Store.
type ActiveJobRegistry struct {
	mu      sync.Mutex
	entries map[string]chan struct{}
}

// NewActiveJobRegistry creates an empty registry.
func NewActiveJobRegistry() *ActiveJobRegistry {
	return &ActiveJobRegistry{entries: make(map[string]chan struct{})}
}

// Add registers jobID as active and returns its cancellation channel.
func (r *ActiveJobRegistry) Add(jobID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.entries[jobID] = ch
	return ch
}

// Remove drops jobID from the registry. Idempotent.
func (r *ActiveJobRegistry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, jobID)
}

// Cancel closes jobID's cancellation channel, waking its supervising
// task. Returns false if jobID is not currently registered (already
// removed on completion, or never existed). A repeat cancel of a job that
// is still registered returns true again without closing the channel twice.
func (r *ActiveJobRegistry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.entries[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
	return true
}

// ListActive returns the ids of every currently active job.
func (r *ActiveJobRegistry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
