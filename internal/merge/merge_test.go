package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/cycle"
	"github.com/kestrelflow/forge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupApprovedProposal(t *testing.T, s *store.Store, repo *capability.FakeRepoHost) (project *store.Project, branchName string, prNumber int, headSHA, pipelineRunID string) {
	t.Helper()
	proj := store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}
	require.NoError(t, s.InsertProject(proj))
	require.NoError(t, s.InsertProposal(store.Proposal{ID: "prop1", ProjectID: "p1", Title: "Add caching", SpecText: "x", Status: store.ProposalApproved, BranchName: "proposals/add-caching"}))

	branchName = "proposals/add-caching"
	require.NoError(t, repo.CreateBranch(context.Background(), proj.RepoRef, branchName, "sha-base"))
	pr, err := repo.CreatePullRequest(context.Background(), proj.RepoRef, branchName, proj.DefaultBranch, "Add caching", "")
	require.NoError(t, err)

	pipelineRunID = "run1"
	require.NoError(t, s.InsertPipelineRun(store.PipelineRun{ID: pipelineRunID, ProjectID: "p1", ProposalID: "prop1", Stage: store.StageValidating}))

	got, err := s.GetProject("p1")
	require.NoError(t, err)
	return got, branchName, pr.Number, pr.HeadSHA, pipelineRunID
}

func TestMergeSucceedsWhenHeadMatches(t *testing.T) {
	s := newTestStore(t)
	repo := capability.NewFakeRepoHost()
	project, branchName, prNumber, headSHA, runID := setupApprovedProposal(t, s, repo)

	coord := &Coordinator{
		Store:       s,
		Repo:        repo,
		Transitions: &cycle.Transitions{Store: s},
	}

	require.NoError(t, coord.Merge(context.Background(), project, "prop1", branchName, prNumber, headSHA, runID))

	got, err := s.GetProposal("prop1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalDone, got.Status)
	require.Contains(t, repo.Merged, prNumber)
	require.Contains(t, repo.Deleted, branchName)

	run, err := s.FindPipelineRunByProposal("prop1")
	require.NoError(t, err)
	require.Equal(t, store.StageDeployed, run.Stage)
}

func TestMergeRejectsWhenHeadMoved(t *testing.T) {
	s := newTestStore(t)
	repo := capability.NewFakeRepoHost()
	project, branchName, prNumber, _, runID := setupApprovedProposal(t, s, repo)

	coord := &Coordinator{
		Store:       s,
		Repo:        repo,
		Transitions: &cycle.Transitions{Store: s},
	}

	require.NoError(t, coord.Merge(context.Background(), project, "prop1", branchName, prNumber, "stale-sha-from-before-a-push", runID))

	got, err := s.GetProposal("prop1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)
	require.Contains(t, got.RejectReason, "HEAD SHA changed")
	require.Empty(t, repo.Merged, "a head-pin mismatch must never reach MergePullRequest")
}

func TestMergeReleasesLockOnFailure(t *testing.T) {
	s := newTestStore(t)
	repo := capability.NewFakeRepoHost()
	project, branchName, prNumber, _, runID := setupApprovedProposal(t, s, repo)

	coord := &Coordinator{
		Store:       s,
		Repo:        repo,
		Transitions: &cycle.Transitions{Store: s},
	}

	require.NoError(t, coord.Merge(context.Background(), project, "prop1", branchName, prNumber, "wrong-sha", runID))

	require.NoError(t, s.TryAcquireMergeLock("p1"), "the lock must be released even when the merge transaction rejects the proposal")
	require.NoError(t, s.ReleaseMergeLock("p1"))
}

func TestMergeReturnsLockBusyWithoutTouchingState(t *testing.T) {
	s := newTestStore(t)
	repo := capability.NewFakeRepoHost()
	project, _, prNumber, headSHA, runID := setupApprovedProposal(t, s, repo)
	require.NoError(t, s.TryAcquireMergeLock("p1"), "simulate a concurrent merge already holding the lock")

	coord := &Coordinator{
		Store:       s,
		Repo:        repo,
		Transitions: &cycle.Transitions{Store: s},
	}

	err := coord.Merge(context.Background(), project, "prop1", "proposals/add-caching", prNumber, headSHA, runID)
	require.ErrorIs(t, err, ErrLockBusy)

	got, err := s.GetProposal("prop1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, got.Status, "lock contention must not touch the proposal's status")
	require.Empty(t, repo.Merged)
}

func TestMergeNotifiesOnSuccess(t *testing.T) {
	s := newTestStore(t)
	repo := capability.NewFakeRepoHost()
	project, branchName, prNumber, headSHA, runID := setupApprovedProposal(t, s, repo)
	notifier := &capability.FakeNotifier{}

	coord := &Coordinator{
		Store:       s,
		Repo:        repo,
		Notifier:    notifier,
		Transitions: &cycle.Transitions{Store: s},
	}

	require.NoError(t, coord.Merge(context.Background(), project, "prop1", branchName, prNumber, headSHA, runID))

	require.Len(t, notifier.Messages, 1)
	require.Contains(t, notifier.Messages[0].Message, "merged")
}
