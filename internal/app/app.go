// Package app wires the scheduler's dependencies into a single handle the
// HTTP/WebSocket surface and main.go share: configuration, logger, Store,
// event bus, Queue, and Recovery (SPEC_FULL.md §5).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/scheduler"
	"github.com/liidi/scoutd/internal/services/events"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

// App is the process-lifetime handle every HTTP handler and the
// supervising CLI reach into.
type App struct {
	Config *common.Config
	Logger arbor.ILogger
	Store  *sqlite.Store
	Events interfaces.EventService
	Queue  *scheduler.Queue

	recovery    *scheduler.Recovery
	stopRecover func()
}

// New opens the Store, wires the event bus, completion handler, and
// Queue, and constructs Recovery, but does not yet run the startup sweep
// or start accepting submissions — call Start for that.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	cfg.SQLite.Environment = cfg.Environment

	store, err := sqlite.NewStore(logger, &cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	eventService := events.NewService(logger)

	handler := scheduler.NewCompletionHandler(store.DB(), store.Jobs(), store.Entities(), eventService, logger)

	queue := scheduler.NewQueue(store.Jobs(), store.JobLogs(), store.Entities(), eventService, handler, cfg.Queue, cfg.Worker, cfg.Gateway, logger)

	staleThreshold := common.Duration(cfg.Queue.StaleJobThreshold, 10*time.Minute)
	recovery := scheduler.NewRecovery(store.Jobs(), store.Entities(), eventService, queue.Registry(), cfg.Recovery, staleThreshold, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Events:   eventService,
		Queue:    queue,
		recovery: recovery,
	}, nil
}

// Start runs Recovery's startup sweep (and schedules its periodic sweep if
// configured). Call before accepting job submissions.
func (a *App) Start(ctx context.Context) error {
	stop, err := a.recovery.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start recovery: %w", err)
	}
	a.stopRecover = stop
	return nil
}

// Shutdown stops the periodic recovery sweep, waits for every supervised
// job to finish, and closes the Store.
func (a *App) Shutdown(ctx context.Context) error {
	if a.stopRecover != nil {
		a.stopRecover()
	}
	a.Queue.Wait()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
