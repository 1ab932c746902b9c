package cycle

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Add retry backoff to scout stage", "add-retry-backoff-to-scout-stage"},
		{"  leading/trailing -- punctuation!!  ", "leading-trailing-punctuation"},
		{"ALL CAPS TITLE", "all-caps-title"},
		{"", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Slugify(c.in), "input %q", c.in)
	}
}

func TestSlugifyTruncatesAndTrimsTrailingHyphen(t *testing.T) {
	long := "this title is deliberately long enough to exceed the forty character branch slug limit by a wide margin"
	got := Slugify(long)
	require.LessOrEqual(t, len(got), maxSlugLength)
	require.NotEqual(t, byte('-'), got[len(got)-1])
}

func TestValidateScoutScheduleAcceptsStandardCron(t *testing.T) {
	require.NoError(t, ValidateScoutSchedule("0 */6 * * *"))
}

func TestValidateScoutScheduleRejectsGarbage(t *testing.T) {
	require.Error(t, ValidateScoutSchedule("not a cron expression"))
}

func TestAutonomyPolicyApprovesHighestScoringDraft(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate, MaxConcurrentBranches: 2}
	require.NoError(t, s.InsertProject(proj))

	low := store.Proposal{ID: "low", ProjectID: "p1", CycleID: nullString("c1"), Title: "Minor cleanup", SpecText: "cleanup", Status: store.ProposalDraft, Scores: store.Scores{Impact: 0.6, Feasibility: 0.6, Novelty: 0.6, Alignment: 0.6}}
	high := store.Proposal{ID: "high", ProjectID: "p1", CycleID: nullString("c1"), Title: "Add caching layer", SpecText: "caching", Status: store.ProposalDraft, Scores: store.Scores{Impact: 0.9, Feasibility: 0.9, Novelty: 0.9, Alignment: 0.9}}
	require.NoError(t, s.InsertProposal(low))
	require.NoError(t, s.InsertProposal(high))

	policy := &AutonomyPolicy{Store: s}
	require.NoError(t, policy.Run(context.Background(), &proj, "c1"))

	winner, err := s.GetProposal("high")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, winner.Status)
	require.Equal(t, "proposals/add-caching-layer", winner.BranchName)

	loser, err := s.GetProposal("low")
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, loser.Status)

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobBuild)
	require.NoError(t, err)
	require.True(t, pending, "the winning proposal should enqueue a build job")
}

func TestAutonomyPolicyLeavesAllBelowThresholdAsDrafts(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate, MaxConcurrentBranches: 2}
	require.NoError(t, s.InsertProject(proj))

	weak := store.Proposal{ID: "weak", ProjectID: "p1", CycleID: nullString("c1"), Title: "Risky rewrite", SpecText: "x", Status: store.ProposalDraft, Scores: store.Scores{Impact: 0.4, Feasibility: 0.4, Novelty: 0.4, Alignment: 0.4}}
	require.NoError(t, s.InsertProposal(weak))

	policy := &AutonomyPolicy{Store: s}
	require.NoError(t, policy.Run(context.Background(), &proj, "c1"))

	got, err := s.GetProposal("weak")
	require.NoError(t, err)
	require.Equal(t, store.ProposalDraft, got.Status, "a draft below the score threshold should be left untouched, not rejected")
}

func TestAutonomyPolicyNoOpWhenPaused(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate, MaxConcurrentBranches: 2, Paused: true}
	require.NoError(t, s.InsertProject(proj))
	draft := store.Proposal{ID: "d1", ProjectID: "p1", CycleID: nullString("c1"), Title: "Something", SpecText: "x", Status: store.ProposalDraft, Scores: store.Scores{Impact: 1, Feasibility: 1, Novelty: 1, Alignment: 1}}
	require.NoError(t, s.InsertProposal(draft))

	policy := &AutonomyPolicy{Store: s}
	require.NoError(t, policy.Run(context.Background(), &proj, "c1"))

	got, err := s.GetProposal("d1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalDraft, got.Status)
}

func TestAutonomyPolicySkipsRiskPathInAssistMode(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAssist, MaxConcurrentBranches: 2, RiskPaths: []string{"internal/auth"}}
	require.NoError(t, s.InsertProject(proj))

	risky := store.Proposal{ID: "risky", ProjectID: "p1", CycleID: nullString("c1"), Title: "Touch auth", SpecText: "edits internal/auth/token.go", Status: store.ProposalDraft, Scores: store.Scores{Impact: 0.9, Feasibility: 0.9, Novelty: 0.9, Alignment: 0.9}}
	safe := store.Proposal{ID: "safe", ProjectID: "p1", CycleID: nullString("c1"), Title: "Safe change", SpecText: "edits internal/cache only", Status: store.ProposalDraft, Scores: store.Scores{Impact: 0.7, Feasibility: 0.7, Novelty: 0.7, Alignment: 0.7}}
	require.NoError(t, s.InsertProposal(risky))
	require.NoError(t, s.InsertProposal(safe))

	policy := &AutonomyPolicy{Store: s}
	require.NoError(t, policy.Run(context.Background(), &proj, "c1"))

	got, err := s.GetProposal("safe")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, got.Status, "assist mode must skip a higher-scoring but risk-path-touching draft")
}

func TestOnScoutDoneOpensCycleAndEnqueuesStrategize(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	tr := &Transitions{Store: s}
	require.NoError(t, tr.OnScoutDone(context.Background(), "p1", "scout-job-1"))

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobStrategize)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestCheckCycleCompletionStartsNextCycleInAutomateMode(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate}
	require.NoError(t, s.InsertProject(proj))
	require.NoError(t, s.InsertCycle("cycle-1", "p1"))
	require.NoError(t, s.InsertProposal(store.Proposal{ID: "p-only", ProjectID: "p1", CycleID: nullString("cycle-1"), Title: "Only draft", SpecText: "x", Status: store.ProposalDone}))

	tr := &Transitions{Store: s, Repo: &capability.FakeRepoHost{}}
	require.NoError(t, tr.CheckCycleCompletion(context.Background(), "p-only"))

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobScout)
	require.NoError(t, err)
	require.True(t, pending, "an automate-mode project should get a fresh scout job once its cycle completes")
}

func TestCheckCycleCompletionWaitsForAllSiblings(t *testing.T) {
	s := newTestStore(t)
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate}
	require.NoError(t, s.InsertProject(proj))
	require.NoError(t, s.InsertCycle("cycle-1", "p1"))
	require.NoError(t, s.InsertProposal(store.Proposal{ID: "done1", ProjectID: "p1", CycleID: nullString("cycle-1"), Title: "Done one", SpecText: "x", Status: store.ProposalDone}))
	require.NoError(t, s.InsertProposal(store.Proposal{ID: "still-draft", ProjectID: "p1", CycleID: nullString("cycle-1"), Title: "Still going", SpecText: "x", Status: store.ProposalDraft}))

	tr := &Transitions{Store: s}
	require.NoError(t, tr.CheckCycleCompletion(context.Background(), "done1"))

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobScout)
	require.NoError(t, err)
	require.False(t, pending, "a cycle with a non-terminal sibling must not be treated as complete")
}

func TestOnReviewRejectFirstAttemptEnqueuesFixBuild(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	tr := &Transitions{Store: s}
	require.NoError(t, tr.OnReviewReject(context.Background(), "p1", "prop1", "proposals/foo", 7, 0, "needs tests"))

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobFixBuild)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestOnReviewRejectSecondAttemptRejectsProposal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertProposal(store.Proposal{ID: "prop1", ProjectID: "p1", Title: "X", SpecText: "x", Status: store.ProposalApproved}))

	tr := &Transitions{Store: s}
	require.NoError(t, tr.OnReviewReject(context.Background(), "p1", "prop1", "proposals/foo", 7, 1, "still broken"))

	got, err := s.GetProposal("prop1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status, "a second review rejection must reject the proposal, not try another remediation")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
