package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Actor identifies which component wrote a BranchEvent.
type Actor string

const (
	ActorAutonomy  Actor = "autonomy"
	ActorBuilder   Actor = "builder"
	ActorReviewer  Actor = "reviewer"
	ActorStrategist Actor = "strategist"
	ActorSupervisor Actor = "supervisor"
	ActorWatchdog  Actor = "watchdog"
)

// BranchEvent is an append-only log row (§3 BranchEvent). Consumers derive
// state by reading the tail; events are never mutated.
type BranchEvent struct {
	ID         int64
	ProjectID  string
	BranchName string
	EventType  string
	EventData  json.RawMessage
	Actor      Actor
	CommitSHA  string
	CreatedAt  time.Time
}

// InsertBranchEvent appends one event. Returns ErrConflict if a
// cycle_completed event already exists for this (project, branch) pair —
// the unique index backing the idempotence guarantee in §8.
func (s *Store) InsertBranchEvent(e BranchEvent) error {
	data := e.EventData
	if data == nil {
		data = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO branch_events (project_id, branch_name, event_type, event_data, actor, commit_sha)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.BranchName, e.EventType, string(data), string(e.Actor), e.CommitSHA)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return classifySQLError(err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	// modernc.org/sqlite reports unique-constraint violations with this
	// substring; matched the same way the worker loop's own error
	// classification matches substrings for conditions it doesn't model as
	// typed errors (see internal/worker.classifyFailure).
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// ListBranchEvents returns events for a project in insertion order.
func (s *Store) ListBranchEvents(projectID string) ([]BranchEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, branch_name, event_type, event_data, actor, commit_sha, created_at
		FROM branch_events WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []BranchEvent
	for rows.Next() {
		var e BranchEvent
		var data, actor string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.BranchName, &e.EventType, &data, &actor, &e.CommitSHA, &e.CreatedAt); err != nil {
			return nil, classifySQLError(err)
		}
		e.EventData = json.RawMessage(data)
		e.Actor = Actor(actor)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PipelineStage is the stage tape value for a PipelineRun (§3 PipelineRun).
type PipelineStage string

const (
	StageQueued     PipelineStage = "queued"
	StageRunning    PipelineStage = "running"
	StageValidating PipelineStage = "validating"
	StageDeployed   PipelineStage = "deployed"
	StageFailed     PipelineStage = "failed"
)

// PipelineRun tracks one proposal's execution record.
type PipelineRun struct {
	ID          string
	ProjectID   string
	ProposalID  string
	Stage       PipelineStage
	PRNumber    int
	Result      string
	StartedAt   time.Time
	CompletedAt sql.NullTime
}

// InsertPipelineRun creates a new run in the queued stage.
func (s *Store) InsertPipelineRun(r PipelineRun) error {
	if r.Stage == "" {
		r.Stage = StageQueued
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, project_id, proposal_id, stage, pr_number, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.ProposalID, string(r.Stage), r.PRNumber, r.Result)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// UpdatePipelineRunStage advances the stage tape and, when the stage is
// terminal (deployed/failed), sets completed_at and result.
func (s *Store) UpdatePipelineRunStage(id string, stage PipelineStage, prNumber int, result string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs
		SET stage=?,
			pr_number=CASE WHEN ?>0 THEN ? ELSE pr_number END,
			result=CASE WHEN ?<>'' THEN ? ELSE result END,
			completed_at=CASE WHEN ? IN ('deployed','failed') THEN datetime('now') ELSE completed_at END
		WHERE id=?`,
		string(stage), prNumber, prNumber, result, result, string(stage), id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// FindPipelineRunByProposal returns the run tracking a given proposal.
func (s *Store) FindPipelineRunByProposal(proposalID string) (*PipelineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, proposal_id, stage, pr_number, result, started_at, completed_at
		FROM pipeline_runs WHERE proposal_id=? ORDER BY started_at DESC LIMIT 1`, proposalID)
	var r PipelineRun
	var stage string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.ProposalID, &stage, &r.PRNumber, &r.Result, &r.StartedAt, &r.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classifySQLError(err)
	}
	r.Stage = PipelineStage(stage)
	return &r, nil
}

// CheckpointKind distinguishes the two recorded checkpoint events.
type CheckpointKind string

const (
	CheckpointMerge        CheckpointKind = "merge"
	CheckpointCycleComplete CheckpointKind = "cycle_complete"
)

// Checkpoint is a recoverable commit pointer (§3 Checkpoint).
type Checkpoint struct {
	ID         string
	ProjectID  string
	CycleID    sql.NullString
	ProposalID sql.NullString
	Kind       CheckpointKind
	CommitSHA  string
	PRNumber   int
	BranchName string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// InsertCheckpoint records a checkpoint.
func (s *Store) InsertCheckpoint(c Checkpoint) error {
	metadata := c.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (id, project_id, cycle_id, proposal_id, kind, commit_sha, pr_number, branch_name, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, nullableString(c.CycleID), nullableString(c.ProposalID), string(c.Kind),
		c.CommitSHA, c.PRNumber, c.BranchName, string(metadata))
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// CountCheckpoints returns how many checkpoints of a kind exist for a cycle
// — used by the idempotence tests in §8 to assert exactly-once recording.
func (s *Store) CountCheckpoints(cycleID string, kind CheckpointKind) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE cycle_id=? AND kind=?`, cycleID, string(kind)).Scan(&n)
	if err != nil {
		return 0, classifySQLError(err)
	}
	return n, nil
}

// InsertStrategyMemory persists an advisory record read back by future
// strategize stages (§3 StrategyMemory).
func (s *Store) InsertStrategyMemory(id, projectID, proposalID, kind, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO strategy_memory (id, project_id, proposal_id, kind, content)
		VALUES (?, ?, ?, ?, ?)`, id, projectID, proposalID, kind, content)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ListStrategyMemory returns advisory records for a project, most recent first.
func (s *Store) ListStrategyMemory(projectID string, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT content FROM strategy_memory WHERE project_id=? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, classifySQLError(err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// InsertUserIdea persists an operator-submitted idea for the strategize
// stage to consider (§3 UserIdea).
func (s *Store) InsertUserIdea(id, projectID, content string) error {
	_, err := s.db.Exec(`INSERT INTO user_ideas (id, project_id, content) VALUES (?, ?, ?)`, id, projectID, content)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ListOpenUserIdeas returns ideas not yet consumed by a strategize run.
func (s *Store) ListOpenUserIdeas(projectID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT content FROM user_ideas WHERE project_id=? AND status='open' ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, classifySQLError(err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// InsertCycle records the opening of a new cycle. The id is the scout job's
// id (see internal/cycle for the aliasing rationale and DESIGN.md's
// recorded decision).
func (s *Store) InsertCycle(id, projectID string) error {
	_, err := s.db.Exec(`INSERT INTO cycles (id, project_id) VALUES (?, ?)`, id, projectID)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// CompleteCycle marks a cycle's completed_at timestamp.
func (s *Store) CompleteCycle(id string) error {
	res, err := s.db.Exec(`UPDATE cycles SET completed_at=datetime('now') WHERE id=? AND completed_at IS NULL`, id)
	if err != nil {
		return classifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLError(err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// AppendRunLog writes a line of stage output for operator debugging (§6
// run_logs table).
func (s *Store) AppendRunLog(projectID, jobID, content string) error {
	_, err := s.db.Exec(`INSERT INTO run_logs (project_id, job_id, content) VALUES (?, ?, ?)`, projectID, jobID, content)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}
