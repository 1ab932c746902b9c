package store

import (
	"database/sql"
	"time"
)

// ProposalStatus is the lifecycle state of a proposal (§3 Proposal).
type ProposalStatus string

const (
	ProposalDraft        ProposalStatus = "draft"
	ProposalApproved     ProposalStatus = "approved"
	ProposalImplementing ProposalStatus = "implementing"
	ProposalDone         ProposalStatus = "done"
	ProposalRejected     ProposalStatus = "rejected"
)

// IsTerminal reports whether a proposal status is done or rejected.
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalDone || s == ProposalRejected
}

// Priority is the strategist's priority tag.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Scores holds the four [0,1] dimensions the strategize stage assigns.
type Scores struct {
	Impact      float64
	Feasibility float64
	Novelty     float64
	Alignment   float64
}

// Average returns the mean of the four score dimensions.
func (s Scores) Average() float64 {
	return (s.Impact + s.Feasibility + s.Novelty + s.Alignment) / 4
}

// Proposal is a candidate improvement authored by the strategize stage.
type Proposal struct {
	ID           string
	ProjectID    string
	CycleID      sql.NullString
	Title        string
	SpecText     string
	Rationale    string
	Priority     Priority
	Scores       Scores
	Status       ProposalStatus
	IsWildCard   bool
	BranchName   string
	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const proposalSelectColumns = `
	SELECT id, project_id, cycle_id, title, spec_text, rationale, priority,
		score_impact, score_feasibility, score_novelty, score_alignment,
		status, is_wild_card, branch_name, reject_reason, created_at, updated_at`

// InsertProposal creates a draft proposal.
func (s *Store) InsertProposal(p Proposal) error {
	if p.Status == "" {
		p.Status = ProposalDraft
	}
	_, err := s.db.Exec(`
		INSERT INTO proposals (id, project_id, cycle_id, title, spec_text, rationale, priority,
			score_impact, score_feasibility, score_novelty, score_alignment, status, is_wild_card)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, nullableString(p.CycleID), p.Title, p.SpecText, p.Rationale, string(p.Priority),
		p.Scores.Impact, p.Scores.Feasibility, p.Scores.Novelty, p.Scores.Alignment,
		string(p.Status), p.IsWildCard)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(id string) (*Proposal, error) {
	return scanProposal(s.db.QueryRow(proposalSelectColumns+` FROM proposals WHERE id=?`, id))
}

// ListDraftProposals returns every draft proposal for a project, optionally
// scoped to one cycle.
func (s *Store) ListDraftProposals(projectID string, cycleID string) ([]Proposal, error) {
	var rows *sql.Rows
	var err error
	if cycleID == "" {
		rows, err = s.db.Query(proposalSelectColumns+` FROM proposals WHERE project_id=? AND status='draft' ORDER BY created_at ASC`, projectID)
	} else {
		rows, err = s.db.Query(proposalSelectColumns+` FROM proposals WHERE project_id=? AND cycle_id=? AND status='draft' ORDER BY created_at ASC`, projectID, cycleID)
	}
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposalScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListProposalsByCycle returns every proposal tagged with a cycle id,
// regardless of status — used by the cycle-completion check (§4.5).
func (s *Store) ListProposalsByCycle(cycleID string) ([]Proposal, error) {
	rows, err := s.db.Query(proposalSelectColumns+` FROM proposals WHERE cycle_id=? ORDER BY created_at ASC`, cycleID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposalScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProposalStatus transitions a proposal's status and, for rejections,
// records the reason. branchName, if non-empty, is set at approval time
// (§4.4 step 7-8).
func (s *Store) UpdateProposalStatus(id string, status ProposalStatus, branchName, rejectReason string) error {
	res, err := s.db.Exec(`
		UPDATE proposals
		SET status=?,
			branch_name=CASE WHEN ?<>'' THEN ? ELSE branch_name END,
			reject_reason=CASE WHEN ?<>'' THEN ? ELSE reject_reason END,
			updated_at=datetime('now')
		WHERE id=?`,
		string(status), branchName, branchName, rejectReason, rejectReason, id)
	if err != nil {
		return classifySQLError(err)
	}
	return requireOneRow(res)
}

func scanProposal(row *sql.Row) (*Proposal, error) {
	p, err := scanProposalScanner(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classifySQLError(err)
	}
	return p, nil
}

func scanProposalScanner(sc rowScanner) (*Proposal, error) {
	var p Proposal
	var priority, status string
	if err := sc.Scan(&p.ID, &p.ProjectID, &p.CycleID, &p.Title, &p.SpecText, &p.Rationale, &priority,
		&p.Scores.Impact, &p.Scores.Feasibility, &p.Scores.Novelty, &p.Scores.Alignment,
		&status, &p.IsWildCard, &p.BranchName, &p.RejectReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Priority = Priority(priority)
	p.Status = ProposalStatus(status)
	return &p, nil
}

func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}
