package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobType enumerates the stage functions the worker loop can dispatch to.
type JobType string

const (
	JobScout        JobType = "scout"
	JobStrategize   JobType = "strategize"
	JobBuild        JobType = "build"
	JobReview       JobType = "review"
	JobFixBuild     JobType = "fix_build"
	JobSelfImprove  JobType = "self_improve"
)

// JobStatus is the lifecycle state of a job_queue row.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job is a durable unit of work (§3 Job).
type Job struct {
	ID                string
	ProjectID         string
	JobType           JobType
	Status            JobStatus
	Payload           json.RawMessage
	AttemptCount      int
	WorkerID          sql.NullString
	LockedAt          sql.NullTime
	LastError         string
	SourceRunID       string
	GithubIssueNumber int
	CreatedAt         time.Time
	CompletedAt       sql.NullTime
}

// InsertJob enqueues a new job. id must already be a unique opaque string
// (see internal/ids); the store does not generate ids itself so that the
// cycle state machine controls aliasing of cycle_id to the scout job's id.
func (s *Store) InsertJob(id, projectID string, jobType JobType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal job payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO job_queue (id, project_id, job_type, status, payload)
		VALUES (?, ?, ?, 'pending', ?)`,
		id, projectID, string(jobType), string(raw))
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ClaimNextJob implements §4.2's atomic claim: it selects the oldest pending
// job, tie-broken by id, and transitions it to processing in one
// transaction so concurrent workers never claim the same row twice.
// SQLite serializes writers database-wide, so the conditional
// UPDATE ... WHERE status='pending' below is the actual arbiter — the SELECT
// only picks a candidate id, and the UPDATE's affected-row count tells us
// whether another worker's transaction already claimed it first. That
// combination gives the same "at most one claimant" guarantee Postgres's
// FOR UPDATE SKIP LOCKED provides, without needing row-level locks.
func (s *Store) ClaimNextJob(workerID string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`
		SELECT id FROM job_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLError(err)
	}

	res, err := tx.Exec(`
		UPDATE job_queue
		SET status='processing', worker_id=?, locked_at=datetime('now'), attempt_count=attempt_count+1
		WHERE id=? AND status='pending'`, workerID, id)
	if err != nil {
		return nil, classifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classifySQLError(err)
	}
	if n == 0 {
		// Lost the race to another worker between SELECT and UPDATE.
		return nil, nil
	}

	job, err := scanJob(tx.QueryRow(jobSelectColumns+` FROM job_queue WHERE id=?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLError(err)
	}
	return job, nil
}

const jobSelectColumns = `
	SELECT id, project_id, job_type, status, payload, attempt_count, worker_id, locked_at,
		last_error, source_run_id, github_issue_number, created_at, completed_at`

// GetJob loads a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	return scanJob(s.db.QueryRow(jobSelectColumns+` FROM job_queue WHERE id=?`, id))
}

func scanJob(row *sql.Row) (*Job, error) {
	j, err := scanJobScanner(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classifySQLError(err)
	}
	return j, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	j, err := scanJobScanner(rows)
	if err != nil {
		return nil, classifySQLError(err)
	}
	return j, nil
}

func scanJobScanner(sc rowScanner) (*Job, error) {
	var j Job
	var jobType, status string
	var payload string
	if err := sc.Scan(&j.ID, &j.ProjectID, &jobType, &status, &payload, &j.AttemptCount,
		&j.WorkerID, &j.LockedAt, &j.LastError, &j.SourceRunID, &j.GithubIssueNumber,
		&j.CreatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.JobType = JobType(jobType)
	j.Status = JobStatus(status)
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

// MarkJobDone records successful completion.
func (s *Store) MarkJobDone(id string) error {
	res, err := s.db.Exec(`UPDATE job_queue SET status='done', completed_at=datetime('now') WHERE id=?`, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// ResetJobToPending releases a job back to the queue without touching
// attempt_count — used when a project is paused (§4.7 step 4), by the
// stale-reap sweep, and by the watchdog's retrigger_job action.
func (s *Store) ResetJobToPending(id string) error {
	res, err := s.db.Exec(`UPDATE job_queue SET status='pending', worker_id=NULL, locked_at=NULL WHERE id=?`, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// FailJob marks a job permanently failed with the given reason (§7 OAuth,
// Conflict, Fatal classifications — none of which are retried as jobs).
func (s *Store) FailJob(id, reason string) error {
	res, err := s.db.Exec(`UPDATE job_queue SET status='failed', last_error=?, completed_at=datetime('now') WHERE id=?`,
		reason, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// RetryJob records a transient failure and resets the job to pending,
// leaving attempt_count as ClaimNextJob already incremented it (§4.2).
func (s *Store) RetryJob(id, lastError string) error {
	res, err := s.db.Exec(`UPDATE job_queue SET status='pending', worker_id=NULL, locked_at=NULL, last_error=? WHERE id=?`,
		lastError, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// Heartbeat refreshes locked_at for a long-running job so the stale-reap
// sweep does not reclaim it mid-flight (§4.2 Heartbeat).
func (s *Store) Heartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE job_queue SET locked_at=datetime('now') WHERE id=? AND status='processing'`, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// StaleReapResult summarizes the outcome of one ReapStaleJobs pass.
type StaleReapResult struct {
	ResetToPending []string
	MarkedFailed   []string
}

// ReapStaleJobs implements the stale-reap sweep (§4.2, §4.8): any row stuck
// in processing with locked_at older than staleAfter is reset to pending if
// it still has attempts left, else moved to failed.
func (s *Store) ReapStaleJobs(staleAfter time.Duration, maxAttempts int) (StaleReapResult, error) {
	var result StaleReapResult

	rows, err := s.db.Query(`
		SELECT id, attempt_count FROM job_queue
		WHERE status='processing' AND locked_at < datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return result, classifySQLError(err)
	}
	type staleRow struct {
		id      string
		attempt int
	}
	var stale []staleRow
	for rows.Next() {
		var r staleRow
		if err := rows.Scan(&r.id, &r.attempt); err != nil {
			rows.Close()
			return result, classifySQLError(err)
		}
		stale = append(stale, r)
	}
	rows.Close()

	for _, r := range stale {
		if r.attempt < maxAttempts {
			if err := s.ResetJobToPending(r.id); err != nil {
				return result, err
			}
			result.ResetToPending = append(result.ResetToPending, r.id)
		} else {
			if err := s.FailJob(r.id, "stale"); err != nil {
				return result, err
			}
			result.MarkedFailed = append(result.MarkedFailed, r.id)
		}
	}
	return result, nil
}

// HasPendingOrProcessingJob reports whether a project has any job of the
// given type not yet terminal — used to avoid double-enqueuing a scout job
// (§4.5 cycle-completion check, §4.8 idle detection).
func (s *Store) HasPendingOrProcessingJob(projectID string, jobType JobType) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM job_queue
		WHERE project_id=? AND job_type=? AND status IN ('pending','processing')`,
		projectID, string(jobType)).Scan(&n)
	if err != nil {
		return false, classifySQLError(err)
	}
	return n > 0, nil
}

// QueueCounts reports aggregate job counts across all projects, used by the
// supervisor's periodic digest (§4.8) and idle detection.
type QueueCounts struct {
	Pending    int
	Processing int
	Failed     int
	Done       int
}

// CountJobsByStatus returns global counts per status.
func (s *Store) CountJobsByStatus() (QueueCounts, error) {
	var qc QueueCounts
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return qc, classifySQLError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return qc, classifySQLError(err)
		}
		switch JobStatus(status) {
		case JobPending:
			qc.Pending = n
		case JobProcessing:
			qc.Processing = n
		case JobFailed:
			qc.Failed = n
		case JobDone:
			qc.Done = n
		}
	}
	return qc, rows.Err()
}

// AnyJobsPendingOrProcessing reports whether the global queue is idle,
// used by the supervisor's idle-detection step (§4.8).
func (s *Store) AnyJobsPendingOrProcessing() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM job_queue WHERE status IN ('pending','processing')`).Scan(&n)
	if err != nil {
		return false, classifySQLError(err)
	}
	return n > 0, nil
}

// ListFailedJobsByTypes returns every failed job whose job_type is one of
// the given types, used by the health sweep's recoverable-pattern re-queue
// (§4.8 point 2).
func (s *Store) ListFailedJobsByTypes(jobTypes ...JobType) ([]Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(jobTypes))
	for i, jt := range jobTypes {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(jt))
	}

	rows, err := s.db.Query(jobSelectColumns+
		` FROM job_queue WHERE status='failed' AND job_type IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ResetJobAttempts clears a failed job's attempt_count and returns it to
// pending, giving it a fresh retry budget — used when the health sweep
// recognizes a failure as transient after the fact (§4.8 point 2).
func (s *Store) ResetJobAttempts(id string) error {
	res, err := s.db.Exec(`
		UPDATE job_queue
		SET status='pending', attempt_count=0, worker_id=NULL, locked_at=NULL, last_error=''
		WHERE id=?`, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// ListStaleProcessingJobs returns every job still marked processing whose
// locked_at is older than olderThan — a read-only view of the same
// condition ReapStaleJobs acts on, used by the watchdog to decide whether
// retrigger_job's "processing >30min with no worker activity" precondition
// holds without itself mutating job state.
func (s *Store) ListStaleProcessingJobs(olderThan time.Duration) ([]Job, error) {
	rows, err := s.db.Query(jobSelectColumns+
		` FROM job_queue WHERE status='processing' AND locked_at < datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
