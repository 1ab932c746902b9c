package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AutonomyMode controls how much of the pipeline runs without a human.
type AutonomyMode string

const (
	AutonomyAudit    AutonomyMode = "audit"
	AutonomyAssist   AutonomyMode = "assist"
	AutonomyAutomate AutonomyMode = "automate"
)

// Project is a repository under management.
type Project struct {
	ID                    string
	RepoRef               string
	InstallationID        string
	DefaultBranch         string
	AutonomyMode          AutonomyMode
	MaxConcurrentBranches int
	RiskPaths             []string
	Paused                bool
	MergeInProgress       bool
	ScoutSchedule         string
	WildCardFrequency     float64
	ProductContext        string
	Nudges                []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// InsertProject creates a project row. Intended for setup/config-sync, not
// the hot path.
func (s *Store) InsertProject(p Project) error {
	riskPaths, err := json.Marshal(p.RiskPaths)
	if err != nil {
		return fmt.Errorf("store: marshal risk_paths: %w", err)
	}
	nudges, err := json.Marshal(p.Nudges)
	if err != nil {
		return fmt.Errorf("store: marshal nudges: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO projects (id, repo_ref, installation_id, default_branch, autonomy_mode,
			max_concurrent_branches, risk_paths, paused, merge_in_progress, scout_schedule,
			wild_card_frequency, product_context, nudges)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repo_ref=excluded.repo_ref,
			installation_id=excluded.installation_id,
			default_branch=excluded.default_branch,
			autonomy_mode=excluded.autonomy_mode,
			max_concurrent_branches=excluded.max_concurrent_branches,
			risk_paths=excluded.risk_paths,
			paused=excluded.paused,
			scout_schedule=excluded.scout_schedule,
			wild_card_frequency=excluded.wild_card_frequency,
			product_context=excluded.product_context,
			nudges=excluded.nudges,
			updated_at=datetime('now')`,
		p.ID, p.RepoRef, p.InstallationID, p.DefaultBranch, string(p.AutonomyMode),
		p.MaxConcurrentBranches, string(riskPaths), p.Paused, p.ScoutSchedule,
		p.WildCardFrequency, p.ProductContext, string(nudges))
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// GetProject loads a project by id. Returns ErrNotFound if absent.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`
		SELECT id, repo_ref, installation_id, default_branch, autonomy_mode,
			max_concurrent_branches, risk_paths, paused, merge_in_progress, scout_schedule,
			wild_card_frequency, product_context, nudges, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns every configured project.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`
		SELECT id, repo_ref, installation_id, default_branch, autonomy_mode,
			max_concurrent_branches, risk_paths, paused, merge_in_progress, scout_schedule,
			wild_card_frequency, product_context, nudges, created_at, updated_at
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row *sql.Row) (*Project, error) {
	p, err := scanProjectScanner(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classifySQLError(err)
	}
	return p, nil
}

func scanProjectRows(rows *sql.Rows) (*Project, error) {
	return scanProjectScanner(rows)
}

func scanProjectScanner(sc rowScanner) (*Project, error) {
	var p Project
	var riskPaths, nudges string
	var autonomyMode string
	if err := sc.Scan(&p.ID, &p.RepoRef, &p.InstallationID, &p.DefaultBranch, &autonomyMode,
		&p.MaxConcurrentBranches, &riskPaths, &p.Paused, &p.MergeInProgress, &p.ScoutSchedule,
		&p.WildCardFrequency, &p.ProductContext, &nudges, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AutonomyMode = AutonomyMode(autonomyMode)
	if err := json.Unmarshal([]byte(riskPaths), &p.RiskPaths); err != nil {
		return nil, fmt.Errorf("store: unmarshal risk_paths: %w", err)
	}
	if err := json.Unmarshal([]byte(nudges), &p.Nudges); err != nil {
		return nil, fmt.Errorf("store: unmarshal nudges: %w", err)
	}
	return &p, nil
}

// SetProjectPaused flips the paused flag for a project.
func (s *Store) SetProjectPaused(id string, paused bool) error {
	res, err := s.db.Exec(`UPDATE projects SET paused=?, updated_at=datetime('now') WHERE id=?`, paused, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

// TryAcquireMergeLock performs the conditional update at the heart of the
// merge coordinator (§4.6): it sets merge_in_progress=true only if it was
// false. Returns ErrConflict if another merge already holds the lock.
func (s *Store) TryAcquireMergeLock(projectID string) error {
	res, err := s.db.Exec(`UPDATE projects SET merge_in_progress=1, updated_at=datetime('now')
		WHERE id=? AND merge_in_progress=0`, projectID)
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

// ReleaseMergeLock unconditionally clears the merge lock. Safe to call even
// if the lock was never held (idempotent release in a finally block).
func (s *Store) ReleaseMergeLock(projectID string) error {
	_, err := s.db.Exec(`UPDATE projects SET merge_in_progress=0, updated_at=datetime('now') WHERE id=?`, projectID)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ReleaseStaleMergeLocks clears merge_in_progress for any project whose
// lock has been held longer than maxHeld — the supervisor's health sweep
// calls this to recover from a crash mid-merge (§4.8).
func (s *Store) ReleaseStaleMergeLocks(maxHeld time.Duration) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM projects WHERE merge_in_progress=1 AND updated_at < datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int(maxHeld.Seconds())))
	if err != nil {
		return nil, classifySQLError(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classifySQLError(err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.ReleaseMergeLock(id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// CountActiveBranches returns the number of proposals currently occupying a
// concurrency slot for a project (status ∈ {approved, implementing}).
func (s *Store) CountActiveBranches(projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proposals WHERE project_id=? AND status IN ('approved','implementing')`,
		projectID).Scan(&n)
	if err != nil {
		return 0, classifySQLError(err)
	}
	return n, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
