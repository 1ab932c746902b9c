// Package store provides SQLite-backed persistence for the orchestration
// substrate: projects, proposals, the job queue, pipeline runs, branch
// events, checkpoints, and the advisory strategize inputs. Every
// state-changing method is transactional and every query goes through this
// package — nothing above it talks SQL directly.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the durable database handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	repo_ref TEXT NOT NULL,
	installation_id TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	autonomy_mode TEXT NOT NULL DEFAULT 'audit',
	max_concurrent_branches INTEGER NOT NULL DEFAULT 1,
	risk_paths TEXT NOT NULL DEFAULT '[]',
	paused BOOLEAN NOT NULL DEFAULT 0,
	merge_in_progress BOOLEAN NOT NULL DEFAULT 0,
	scout_schedule TEXT NOT NULL DEFAULT '',
	wild_card_frequency REAL NOT NULL DEFAULT 0.2,
	product_context TEXT NOT NULL DEFAULT '',
	nudges TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT,
	title TEXT NOT NULL,
	spec_text TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium',
	score_impact REAL NOT NULL DEFAULT 0,
	score_feasibility REAL NOT NULL DEFAULT 0,
	score_novelty REAL NOT NULL DEFAULT 0,
	score_alignment REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'draft',
	is_wild_card BOOLEAN NOT NULL DEFAULT 0,
	branch_name TEXT NOT NULL DEFAULT '',
	reject_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_queue (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	job_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	payload TEXT NOT NULL DEFAULT '{}',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	locked_at DATETIME,
	last_error TEXT NOT NULL DEFAULT '',
	source_run_id TEXT NOT NULL DEFAULT '',
	github_issue_number INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	proposal_id TEXT NOT NULL REFERENCES proposals(id),
	stage TEXT NOT NULL DEFAULT 'queued',
	pr_number INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS branch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id),
	branch_name TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL DEFAULT '{}',
	actor TEXT NOT NULL DEFAULT '',
	commit_sha TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_branch_events_cycle_completed
	ON branch_events(project_id, event_type, branch_name)
	WHERE event_type = 'cycle_completed';

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT,
	proposal_id TEXT,
	kind TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	branch_name TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS strategy_memory (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	proposal_id TEXT,
	kind TEXT NOT NULL DEFAULT 'approved',
	content TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS user_ideas (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id),
	job_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_job_queue_status_created ON job_queue(status, created_at);
CREATE INDEX IF NOT EXISTS idx_proposals_project_cycle ON proposals(project_id, cycle_id);
CREATE INDEX IF NOT EXISTS idx_branch_events_project ON branch_events(project_id, created_at);
`

// Open creates or opens the SQLite-backed store at dbPath, applying the
// schema and any pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema changes for databases created before a
// column existed. Guarded by pragma_table_info so it is safe to run on every
// startup against an already-current schema.
func migrate(db *sql.DB) error {
	if err := addColumnIfMissing(db, "job_queue", "source_run_id", `ALTER TABLE job_queue ADD COLUMN source_run_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "job_queue", "github_issue_number", `ALTER TABLE job_queue ADD COLUMN github_issue_number INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "proposals", "is_wild_card", `ALTER TABLE proposals ADD COLUMN is_wild_card BOOLEAN NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "projects", "nudges", `ALTER TABLE projects ADD COLUMN nudges TEXT NOT NULL DEFAULT '[]'`); err != nil {
		return err
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, ddl string) error {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, table)
	if err := db.QueryRow(query, column).Scan(&count); err != nil {
		return fmt.Errorf("check %s.%s column: %w", table, column, err)
	}
	if count == 0 {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("add %s.%s column: %w", table, column, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (migrations tooling, tests) that
// need it directly. Production code should prefer the typed methods below.
func (s *Store) DB() *sql.DB {
	return s.db
}

func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	// modernc.org/sqlite surfaces SQLITE_BUSY/SQLITE_LOCKED as plain errors;
	// treat anything that isn't a recognized programmer error as transient
	// so the worker's backoff loop (see internal/worker) can retry it.
	return fmt.Errorf("%w: %v", ErrTransientIO, err)
}
