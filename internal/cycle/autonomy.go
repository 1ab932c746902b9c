package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// DefaultMinProposalScore is the minimum average score (§6 configuration
// surface, §8 boundary behavior) a draft must clear to be eligible for
// approval: exactly 0.6 is admitted, 0.5999... is not.
const DefaultMinProposalScore = 0.6

// AutonomyPolicy runs the §4.4 selection algorithm for one cycle.
type AutonomyPolicy struct {
	Store            *store.Store
	Notifier         capability.Notifier
	MinProposalScore float64
	Logger           *slog.Logger
}

// Run is invoked after a strategize stage completes for a project+cycle. It
// approves at most one draft and rejects every other draft tagged with
// cycleID.
func (p *AutonomyPolicy) Run(ctx context.Context, project *store.Project, cycleID string) error {
	if project.Paused || project.AutonomyMode == store.AutonomyAudit {
		return nil
	}

	active, err := p.Store.CountActiveBranches(project.ID)
	if err != nil {
		return fmt.Errorf("cycle: count active branches: %w", err)
	}
	slots := project.MaxConcurrentBranches - active
	if slots <= 0 {
		return nil
	}

	drafts, err := p.Store.ListDraftProposals(project.ID, cycleID)
	if err != nil {
		return fmt.Errorf("cycle: list draft proposals: %w", err)
	}
	if len(drafts) == 0 {
		return nil
	}

	threshold := p.MinProposalScore
	if threshold == 0 {
		threshold = DefaultMinProposalScore
	}

	eligible := make([]store.Proposal, 0, len(drafts))
	for _, d := range drafts {
		if d.Scores.Average() >= threshold {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	// Stable sort preserves insertion order as the tiebreaker (§4.4 step 3).
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Scores.Average() > eligible[j].Scores.Average()
	})

	var winner *store.Proposal
	for i := range eligible {
		d := eligible[i]
		if project.AutonomyMode == store.AutonomyAssist && containsRiskPath(d.SpecText, project.RiskPaths) {
			continue
		}
		winner = &eligible[i]
		_ = d
		break
	}
	if winner == nil {
		return nil
	}

	for _, d := range drafts {
		if d.ID == winner.ID {
			continue
		}
		reason := fmt.Sprintf("not selected — %s scored higher", winner.Title)
		if err := p.Store.UpdateProposalStatus(d.ID, store.ProposalRejected, "", reason); err != nil {
			return fmt.Errorf("cycle: reject non-winning draft %s: %w", d.ID, err)
		}
	}

	branchName := "proposals/" + Slugify(winner.Title)
	if err := p.Store.UpdateProposalStatus(winner.ID, store.ProposalApproved, branchName, ""); err != nil {
		return fmt.Errorf("cycle: approve winner %s: %w", winner.ID, err)
	}

	if err := p.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  project.ID,
		BranchName: branchName,
		EventType:  "auto_approved",
		Actor:      store.ActorAutonomy,
	}); err != nil {
		return fmt.Errorf("cycle: emit auto_approved event: %w", err)
	}

	memoryID := ids.New()
	if err := p.Store.InsertStrategyMemory(memoryID, project.ID, winner.ID, "approved", winner.Title); err != nil {
		return fmt.Errorf("cycle: record strategy memory: %w", err)
	}

	runID := ids.New()
	if err := p.Store.InsertPipelineRun(store.PipelineRun{
		ID:         runID,
		ProjectID:  project.ID,
		ProposalID: winner.ID,
		Stage:      store.StageQueued,
	}); err != nil {
		return fmt.Errorf("cycle: insert pipeline run: %w", err)
	}

	buildJobID := ids.New()
	if err := p.Store.InsertJob(buildJobID, project.ID, store.JobBuild, map[string]any{
		"proposal_id":     winner.ID,
		"branch_name":     branchName,
		"spec":            winner.SpecText,
		"title":           winner.Title,
		"pipeline_run_id": runID,
	}); err != nil {
		return fmt.Errorf("cycle: enqueue build job: %w", err)
	}

	if p.Logger != nil {
		p.Logger.Info("autonomy policy approved proposal", "project", project.ID, "proposal", winner.ID, "branch", branchName)
	}
	return nil
}

func containsRiskPath(specText string, riskPaths []string) bool {
	lower := strings.ToLower(specText)
	for _, rp := range riskPaths {
		if rp == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(rp)) {
			return true
		}
	}
	return false
}
