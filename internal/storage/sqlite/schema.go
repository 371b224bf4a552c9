package sqlite

import (
	"fmt"
)

// schemaSQL creates every table the scheduler and its surrounding domain
// entities need. Column shapes follow the system this module was adapted
// from exactly, with one deliberate omission: no clerk_org_id column on
// any table — cross-tenant isolation is out of scope (see SPEC_FULL.md
// Non-goals) and is never threaded through scheduler code.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS leads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	company_name TEXT NOT NULL,
	website TEXT,
	industry TEXT,
	sub_industry TEXT,
	employees INTEGER,
	employee_range TEXT,
	revenue REAL,
	revenue_range TEXT,
	company_linkedin_url TEXT,
	city TEXT,
	state TEXT,
	country TEXT,
	research_status TEXT NOT NULL DEFAULT 'pending',
	researched_at INTEGER,
	user_status TEXT NOT NULL DEFAULT 'new',
	created_at INTEGER NOT NULL,
	company_profile TEXT
);

CREATE TABLE IF NOT EXISTS people (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id INTEGER REFERENCES leads(id) ON DELETE SET NULL,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	email TEXT,
	title TEXT,
	management_level TEXT,
	linkedin_url TEXT,
	year_joined INTEGER,
	person_profile TEXT,
	research_status TEXT NOT NULL DEFAULT 'pending',
	researched_at INTEGER,
	user_status TEXT NOT NULL DEFAULT 'new',
	conversation_topics TEXT,
	conversation_generated_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL DEFAULT 'company',
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scoring_config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT 'default',
	is_active INTEGER NOT NULL DEFAULT 1,
	required_characteristics TEXT NOT NULL,
	demand_signifiers TEXT NOT NULL,
	tier_hot_min INTEGER NOT NULL DEFAULT 80,
	tier_warm_min INTEGER NOT NULL DEFAULT 50,
	tier_nurture_min INTEGER NOT NULL DEFAULT 30,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_scores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id INTEGER NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	config_id INTEGER NOT NULL REFERENCES scoring_config(id),
	passes_requirements INTEGER NOT NULL,
	requirement_results TEXT NOT NULL,
	total_score INTEGER NOT NULL,
	score_breakdown TEXT NOT NULL,
	tier TEXT NOT NULL,
	scoring_notes TEXT,
	scored_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_people_lead_id ON people(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_scores_lead_id ON lead_scores(lead_id);
CREATE INDEX IF NOT EXISTS idx_prompts_type ON prompts(type);

-- Job is the scheduling unit (SPEC_FULL.md §2/§3).
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	entity_label TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	prompt TEXT NOT NULL,
	model TEXT,
	working_dir TEXT NOT NULL,
	output_path TEXT,
	secondary_path TEXT,
	enrichment_path TEXT,
	exit_code INTEGER,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	pid INTEGER,
	ai_session_id TEXT,
	ai_model TEXT,
	last_event_index INTEGER NOT NULL DEFAULT 0,
	total_stdout_bytes INTEGER NOT NULL DEFAULT 0,
	total_stderr_bytes INTEGER NOT NULL DEFAULT 0,
	stdout_truncated INTEGER NOT NULL DEFAULT 0,
	stderr_truncated INTEGER NOT NULL DEFAULT 0,
	completion_phase TEXT NOT NULL DEFAULT ''
);

-- JobLog is one captured output line (SPEC_FULL.md §3): (job_id, sequence)
-- is unique and sequences are contiguous starting at 0 per job.
CREATE TABLE IF NOT EXISTS job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	log_type TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_name TEXT,
	timestamp INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT 'stdout',
	UNIQUE(job_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_id, kind, status);
CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id);
CREATE INDEX IF NOT EXISTS idx_job_logs_sequence ON job_logs(job_id, sequence);

-- Settings is a single-row table holding model/feature-flag defaults.
-- The Queue does not read it: a job's model comes from its submit request.
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	model TEXT NOT NULL DEFAULT 'sonnet',
	use_chrome INTEGER NOT NULL DEFAULT 0,
	use_gateway INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO settings (id, model, use_chrome, use_gateway, updated_at)
VALUES (1, 'sonnet', 0, 0, strftime('%s', 'now') * 1000);
`

// InitSchema creates every table (idempotent — CREATE TABLE IF NOT EXISTS)
// and then runs any pending migrations.
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
