package scheduler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull names the queue-timeout condition. Submit does not return
// it: a job that waits longer than QueueTimeout for a semaphore permit is
// recorded with status error and the message "Queue timeout".
var ErrQueueFull = errors.New("queue timeout: no permit available")

// ErrAlreadyRunning names the duplicate-active-job condition. Submit does
// not check for it or return it; callers deduplicate via
// GetActiveJobForEntity first (SPEC_FULL.md §4.5, Dedup note).
var ErrAlreadyRunning = errors.New("an active job already exists for this entity")

// SubmitRequest is the admission-path input for one job.
type SubmitRequest struct {
	Kind        models.JobKind
	EntityID    int64
	EntityLabel string
	Prompt      string
	Model       string
	Paths       JobPaths
	Rollback    GuardOptions
	OnEvent     func(line string)
	OnComplete  func(accumulatedStdout string, success bool)
}

// Queue owns the counting semaphore bounding concurrent child processes
// and the in-memory active-job registry (SPEC_FULL.md §4.5).
type Queue struct {
	sem      *semaphore.Weighted
	registry *ActiveJobRegistry

	jobs     interfaces.JobStorage
	jobLogs  interfaces.JobLogStorage
	entities interfaces.EntityStorage
	events   interfaces.EventService
	handler  *CompletionHandler

	queueConfig  common.QueueConfig
	workerConfig common.WorkerConfig
	gateway      common.GatewayConfig

	logger arbor.ILogger

	wg sync.WaitGroup
}

// NewQueue constructs a Queue. handler is typically built with the same
// Store the queue's jobs/entities storage comes from, via
// NewCompletionHandler(store.DB(), store.Jobs(), store.Entities(), events, logger).
func NewQueue(jobs interfaces.JobStorage, jobLogs interfaces.JobLogStorage, entities interfaces.EntityStorage, events interfaces.EventService, handler *CompletionHandler, queueConfig common.QueueConfig, workerConfig common.WorkerConfig, gateway common.GatewayConfig, logger arbor.ILogger) *Queue {
	permits := int64(queueConfig.MaxConcurrentJobs)
	if permits <= 0 {
		permits = 5
	}
	return &Queue{
		sem:          semaphore.NewWeighted(permits),
		registry:     NewActiveJobRegistry(),
		jobs:         jobs,
		jobLogs:      jobLogs,
		entities:     entities,
		events:       events,
		handler:      handler,
		queueConfig:  queueConfig,
		workerConfig: workerConfig,
		gateway:      gateway,
		logger:       logger,
	}
}

// Submit admits a new job: inserts its row, emits job-created, and spawns
// its supervising task in the background, returning the job id
// immediately (SPEC_FULL.md §4.5, admission path steps 1-4).
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	job := models.NewJob(req.Kind, req.EntityID, req.EntityLabel, req.Prompt, req.Model, req.Paths.WorkingDir, req.Paths.OutputPath)
	job.SecondaryPath = req.Paths.SecondaryPath
	job.EnrichmentPath = req.Paths.EnrichmentPath

	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid job: %w", err)
	}

	if err := os.MkdirAll(req.Paths.WorkingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job working directory: %w", err)
	}

	if err := q.jobs.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if q.events != nil {
		_ = q.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventJobCreated,
			Payload: map[string]interface{}{
				"job_id": job.ID, "kind": string(job.Kind), "entity_id": job.EntityID, "status": string(job.Status),
			},
		})
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.supervise(job, req)
	}()

	return job.ID, nil
}

// Cancel signals the target job's cancellation channel. Returns false if
// the id is not currently active.
func (q *Queue) Cancel(jobID string) bool {
	return q.registry.Cancel(jobID)
}

// ListActive returns the ids of every currently active job.
func (q *Queue) ListActive() []string {
	return q.registry.ListActive()
}

// Registry exposes the active-job registry. App wiring passes it to
// NewRecovery, whose sweeps do not read it.
func (q *Queue) Registry() *ActiveJobRegistry {
	return q.registry
}

// Wait blocks until every currently-supervised job has finished. Intended
// for graceful server shutdown.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// supervise runs steps a-n of the supervising task for one job
// (SPEC_FULL.md §4.5).
func (q *Queue) supervise(job *models.Job, req SubmitRequest) {
	ctx := WithJobID(context.Background(), job.ID)

	cancelCh := q.registry.Add(job.ID)
	guard := NewJobGuard(job.ID, req.Rollback, q.registry, q.jobs, q.entities, q.events, q.logger)
	defer guard.Close(ctx)

	queueTimeout := common.Duration(q.queueConfig.QueueTimeout, 30*time.Second)
	acqCtx, cancelAcquire := context.WithCancel(ctx)
	acquired := make(chan error, 1)
	go func() { acquired <- q.sem.Acquire(acqCtx, 1) }()

	select {
	case err := <-acquired:
		if err != nil {
			cancelAcquire()
			q.finishAdmissionFailure(ctx, job, req, "Queue timeout", models.JobStatusError)
			guard.Defuse()
			return
		}
	case <-time.After(queueTimeout):
		cancelAcquire()
		if acqErr := <-acquired; acqErr == nil {
			q.sem.Release(1)
		}
		q.finishAdmissionFailure(ctx, job, req, "Queue timeout", models.JobStatusError)
		guard.Defuse()
		return
	case <-cancelCh:
		cancelAcquire()
		if acqErr := <-acquired; acqErr == nil {
			q.sem.Release(1)
		}
		q.finishAdmissionFailure(ctx, job, req, "Cancelled while queued", models.JobStatusCancelled)
		guard.Defuse()
		return
	}
	defer cancelAcquire()
	defer q.sem.Release(1)

	if err := q.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, nil, ""); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record running status")
	}
	job.Status = models.JobStatusRunning
	if q.events != nil {
		_ = q.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobStatusChanged, Payload: map[string]interface{}{"job_id": job.ID, "status": string(job.Status)}})
	}

	workerPath := ResolveWorkerPath(ctx, q.workerConfig, q.logger)
	args := q.buildArgs(job)

	cmd := exec.CommandContext(ctx, workerPath, args...)
	cmd.Dir = job.WorkingDir
	cmd.Stdin = nil
	cmd.Env = q.buildEnv(job)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		q.finishSpawnFailure(ctx, job, req, err)
		guard.Defuse()
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		q.finishSpawnFailure(ctx, job, req, err)
		guard.Defuse()
		return
	}

	if err := cmd.Start(); err != nil {
		q.finishSpawnFailure(ctx, job, req, err)
		guard.Defuse()
		return
	}

	if cmd.Process != nil {
		if err := q.jobs.UpdateJobPID(ctx, job.ID, cmd.Process.Pid); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record child pid")
		}
		job.PID = &cmd.Process.Pid
	}

	processor := NewStreamProcessor(job.ID, q.jobLogs, q.events, q.logger,
		q.queueConfig.MaxAccumulatedOutputBytes, q.queueConfig.LogFlushBatchSize,
		common.Duration(q.queueConfig.LogFlushInterval, 500*time.Millisecond))

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go q.drainStream(ctx, &streamWG, processor, models.LogSourceStdout, stdout, req.OnEvent)
	go q.drainStream(ctx, &streamWG, processor, models.LogSourceStderr, stderr, req.OnEvent)

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	timeout := job.Timeout()
	var result models.JobStatus
	var exitCode int
	var errMsg string

	select {
	case waitErr := <-exitCh:
		switch {
		case waitErr == nil:
			result = models.JobStatusCompleted
		default:
			result = models.JobStatusError
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				errMsg = waitErr.Error()
			}
		}
	case <-time.After(timeout):
		q.gracefulShutdown(cmd, q.queueConfig)
		<-exitCh
		result = models.JobStatusTimeout
		errMsg = "Execution timeout"
	case <-cancelCh:
		q.gracefulShutdown(cmd, q.queueConfig)
		<-exitCh
		result = models.JobStatusCancelled
		errMsg = "Cancelled while running"
	}

	drainTimeout := common.Duration(q.queueConfig.StreamDrainTimeout, 5*time.Second)
	drained := make(chan struct{})
	go func() { streamWG.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		q.logger.Warn().Str("job_id", job.ID).Msg("Stream drain timed out, abandoning reader tasks")
	}

	completion := processor.Finalize(ctx, result == models.JobStatusCompleted, exitCode)

	var exitCodePtr *int
	if completion.ExitCode != 0 || result == models.JobStatusCompleted {
		v := completion.ExitCode
		exitCodePtr = &v
	}
	if err := q.jobs.UpdateJobStatus(ctx, job.ID, result, exitCodePtr, errMsg); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record terminal job status")
	}
	job.Status = result

	if err := q.handler.Handle(ctx, job, completion); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Completion handler failed")
		if job.IsResearchKind() {
			var markErr error
			switch job.Kind {
			case models.JobKindCompanyResearch:
				markErr = q.entities.UpdateLeadResearchStatus(ctx, job.EntityID, models.ResearchStatusFailed)
			case models.JobKindPersonResearch:
				markErr = q.entities.UpdatePersonResearchStatus(ctx, job.EntityID, models.ResearchStatusFailed)
			}
			if markErr != nil {
				q.logger.Error().Err(markErr).Str("job_id", job.ID).Msg("Failed to mark entity failed after handler error")
			}
		}
		_ = q.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusError, exitCodePtr, fmt.Sprintf("Completion handler error: %v", err))
		if q.events != nil {
			eventType := interfaces.EventLeadUpdated
			if job.Kind == models.JobKindPersonResearch || job.Kind == models.JobKindConversation {
				eventType = interfaces.EventPersonUpdated
			}
			_ = q.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: map[string]interface{}{"entity_id": job.EntityID}})
		}
	}

	q.registry.Remove(job.ID)
	guard.Defuse()

	if req.OnComplete != nil {
		req.OnComplete(completion.RawStdout, result == models.JobStatusCompleted)
	}
}

func (q *Queue) finishAdmissionFailure(ctx context.Context, job *models.Job, req SubmitRequest, message string, status models.JobStatus) {
	if err := q.jobs.UpdateJobStatus(ctx, job.ID, status, nil, message); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record admission failure status")
	}
	if req.Rollback.Rollback {
		q.resetEntity(ctx, req.Rollback)
	}
	q.registry.Remove(job.ID)
	if req.OnComplete != nil {
		req.OnComplete("", false)
	}
}

func (q *Queue) finishSpawnFailure(ctx context.Context, job *models.Job, req SubmitRequest, spawnErr error) {
	if err := q.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusError, nil, fmt.Sprintf("Spawn failed: %v", spawnErr)); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record spawn failure status")
	}
	if req.Rollback.Rollback {
		q.resetEntity(ctx, req.Rollback)
	}
	q.registry.Remove(job.ID)
	if req.OnComplete != nil {
		req.OnComplete("", false)
	}
}

func (q *Queue) resetEntity(ctx context.Context, opts GuardOptions) {
	var err error
	switch opts.EntityType {
	case models.EntityTypeLead:
		err = q.entities.UpdateLeadResearchStatus(ctx, opts.EntityID, models.ResearchStatusPending)
	case models.EntityTypePerson:
		err = q.entities.UpdatePersonResearchStatus(ctx, opts.EntityID, models.ResearchStatusPending)
	}
	if err != nil {
		q.logger.Error().Err(err).Int64("entity_id", opts.EntityID).Msg("Failed to reset entity research status")
	}
}

// buildArgs constructs the child's argument vector (SPEC_FULL.md §4.5,
// step e): flags first, model, then the prompt positional last.
func (q *Queue) buildArgs(job *models.Job) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	if q.workerConfig.UseChrome {
		args = append(args, "--chrome")
	}
	if job.Model != "" {
		args = append(args, "--model", job.Model)
	}
	args = append(args, job.Prompt)
	return args
}

// buildEnv injects gateway environment variables when enabled, leaving
// the rest of the parent's environment untouched.
func (q *Queue) buildEnv(job *models.Job) []string {
	env := os.Environ()
	if !q.gateway.Enabled {
		return env
	}
	if token := os.Getenv(q.gateway.AuthTokenEnv); token != "" {
		env = append(env, "ANTHROPIC_API_KEY="+token)
	}
	if q.gateway.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+q.gateway.BaseURL)
	}
	if q.gateway.APITimeoutMS > 0 {
		env = append(env, "API_TIMEOUT_MS="+strconv.Itoa(q.gateway.APITimeoutMS))
	}
	return env
}

// gracefulShutdown sends SIGTERM (skipped on Windows), sleeps for the full
// GracefulShutdown period, then sends SIGKILL, which has no effect if the
// child already exited. Wait/reaping always happens via the caller's
// cmd.Wait() goroutine.
func (q *Queue) gracefulShutdown(cmd *exec.Cmd, cfg common.QueueConfig) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS != "windows" {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := common.Duration(cfg.GracefulShutdown, 2*time.Second)
	time.Sleep(grace)
	_ = cmd.Process.Kill()
}

func (q *Queue) drainStream(ctx context.Context, wg *sync.WaitGroup, processor *StreamProcessor, source models.LogSource, r io.Reader, onEvent func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if err := processor.ProcessLine(ctx, source, line); err != nil {
			q.logger.Warn().Err(err).Str("source", string(source)).Msg("Failed to process stream line")
		}
		if onEvent != nil {
			onEvent(line)
		}
	}
}
