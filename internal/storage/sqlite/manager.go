package sqlite

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
	"github.com/liidi/scoutd/internal/interfaces"
)

// Store aggregates every SQLite-backed storage concern the scheduler
// depends on behind a single handle, matching SPEC_FULL.md §4.1's unified
// Store contract.
type Store struct {
	db      *SQLiteDB
	jobs    interfaces.JobStorage
	jobLogs interfaces.JobLogStorage
	entity  interfaces.EntityStorage
	logger  arbor.ILogger
}

// NewStore opens the database, runs schema initialization/migrations, and
// wires every storage concern against the same connection.
func NewStore(logger arbor.ILogger, config *common.SQLiteConfig) (*Store, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:      db,
		jobs:    NewJobStorage(db, logger),
		jobLogs: NewJobLogStorage(db, logger),
		entity:  NewEntityStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Msg("Store initialized (jobs, job logs, entities)")

	return store, nil
}

// Jobs returns the Job storage interface.
func (s *Store) Jobs() interfaces.JobStorage {
	return s.jobs
}

// JobLogs returns the JobLog storage interface.
func (s *Store) JobLogs() interfaces.JobLogStorage {
	return s.jobLogs
}

// Entities returns the domain-entity storage interface.
func (s *Store) Entities() interfaces.EntityStorage {
	return s.entity
}

// DB returns the underlying connection, for code (migrations, tests) that
// needs direct SQL access.
func (s *Store) DB() *SQLiteDB {
	return s.db
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
