package interfaces

import "context"

// EventType identifies one of the push events the scheduler emits on its
// event bus. Events are fire-and-forget: a consumer that misses one must
// reconcile via a Store query, not by replaying the bus.
type EventType string

const (
	// EventJobCreated is published after a job's row is durably committed
	// to the Store, before the supervising task spawns the child process.
	// Payload: map[string]interface{}{"job_id", "kind", "entity_id", "status"}
	EventJobCreated EventType = "job-created"

	// EventJobStatusChanged is published when the Queue moves a job to
	// running, and when Recovery or a JobGuard marks a job errored. The
	// Queue's terminal transitions (including admission and spawn
	// failures) are written to the Store without publishing it.
	// Payload: map[string]interface{}{"job_id", "status"}
	EventJobStatusChanged EventType = "job-status-changed"

	// EventJobLogsAppended is published after a stream-processor batch
	// flush commits. Payload: map[string]interface{}{"job_id", "count", "last_sequence"}
	EventJobLogsAppended EventType = "job-logs-appended"

	// EventLeadUpdated is published whenever a Lead row changes as part of
	// a job's side effects (research status, enrichment, scoring).
	// Payload: map[string]interface{}{"lead_id"} from the Completion
	// Handler; {"entity_id"} from the rollback, recovery and error paths.
	EventLeadUpdated EventType = "lead-updated"

	// EventPersonUpdated is published whenever a Person row changes.
	// Payload: map[string]interface{}{"person_id"} from the Completion
	// Handler; {"entity_id"} from the rollback, recovery and error paths.
	EventPersonUpdated EventType = "person-updated"

	// EventLeadScored is published after a Scoring job commits a new
	// LeadScore row. Payload: map[string]interface{}{"lead_id", "tier", "total_score"}
	EventLeadScored EventType = "lead-scored"

	// EventPeopleBulkCreated is published after a CompanyResearch job
	// replaces a lead's people. Payload: map[string]interface{}{"lead_id", "count"}
	EventPeopleBulkCreated EventType = "people-bulk-created"

	// EventCompanyProfileUpdated is published after a CompanyProfileResearch
	// job commits. Payload: map[string]interface{}{"entity_id"}
	EventCompanyProfileUpdated EventType = "company-profile-updated"
)

// Event is one message carried on the bus.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler handles one delivered event. A returned error is logged by
// the bus. Publish neither waits for handlers nor reports their errors;
// PublishSync waits for them and returns their errors to its caller.
type EventHandler func(ctx context.Context, event Event) error

// EventService is the push-event pub/sub bus described in SPEC_FULL.md §5.
type EventService interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe removes a handler from an event type.
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish delivers event to subscribers asynchronously (fire-and-forget).
	Publish(ctx context.Context, event Event) error

	// PublishSync delivers event to subscribers and waits for all handlers
	// to return before returning itself.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service, dropping all subscribers.
	Close() error
}
