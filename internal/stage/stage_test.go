package stage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/store"
	"github.com/kestrelflow/forge/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func echoRunner(t *testing.T, out string) *agent.Runner {
	t.Helper()
	return agent.NewRunner(agent.CLIConfig{Cmd: "/bin/echo", PromptMode: "arg", Args: []string{out}})
}

func newContext(t *testing.T, s *store.Store, job *store.Job, project *store.Project) Context {
	t.Helper()
	driver := workspace.NewTempDirDriver()
	ws, err := driver.Acquire(context.Background(), job.ID)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Release(context.Background()) })
	return Context{
		Job:       job,
		Project:   project,
		Store:     s,
		Repo:      capability.NewFakeRepoHost(),
		Tokens:    &capability.FakeTokenProvider{},
		Notifier:  &capability.FakeNotifier{},
		Workspace: ws,
		Logger:    discardLogger(),
	}
}

func TestNewScoutRecordsParsedFindings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobScout, map[string]any{}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	runner := echoRunner(t, `{"title":"Add retries","notes":"network calls lack backoff"}`)
	fn := NewScout(runner)
	sc := newContext(t, s, job, project)

	result, err := fn(context.Background(), sc)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)

	ideas, err := s.ListOpenUserIdeas("p1")
	require.NoError(t, err)
	require.Len(t, ideas, 1)
	require.Contains(t, ideas[0], "Add retries")
}

func TestNewScoutIgnoresNonJSONLines(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobScout, map[string]any{}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	runner := echoRunner(t, "thinking about the repo...")
	fn := NewScout(runner)
	sc := newContext(t, s, job, project)

	_, err = fn(context.Background(), sc)
	require.NoError(t, err, "a scout stage with no parseable findings is not an error — it's just a quiet tick")

	ideas, err := s.ListOpenUserIdeas("p1")
	require.NoError(t, err)
	require.Empty(t, ideas)
}

func TestNewStrategizeInsertsDraftProposals(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobStrategize, StrategizePayload{CycleID: "cycle-1"}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	runner := echoRunner(t, `{"title":"Add caching","spec":"cache hot reads","rationale":"perf","priority":"high","impact":0.9,"feasibility":0.8,"novelty":0.5,"alignment":0.7}`)
	fn := NewStrategize(runner)
	sc := newContext(t, s, job, project)

	_, err = fn(context.Background(), sc)
	require.NoError(t, err)

	drafts, err := s.ListDraftProposals("p1", "cycle-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.Equal(t, "Add caching", drafts[0].Title)
	require.Equal(t, store.PriorityHigh, drafts[0].Priority)
	require.InDelta(t, 0.9, drafts[0].Scores.Impact, 0.0001)
}

func TestNewStrategizeFailsWhenNoDraftsParsed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobStrategize, StrategizePayload{CycleID: "cycle-1"}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	runner := echoRunner(t, "no structured output here")
	fn := NewStrategize(runner)
	sc := newContext(t, s, job, project)

	_, err = fn(context.Background(), sc)
	require.Error(t, err)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
}

func TestIsWildCardCycleDeterministic(t *testing.T) {
	first := isWildCardCycle("cycle-123", 0.5)
	second := isWildCardCycle("cycle-123", 0.5)
	require.Equal(t, first, second, "the same cycle id must draw the same outcome across retries")
}

func TestIsWildCardCycleZeroFrequencyNeverWild(t *testing.T) {
	require.False(t, isWildCardCycle("any-cycle", 0))
}

func TestNewReviewApprovesAndComments(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobReview, ReviewPayload{ProposalID: "prop1", PRNumber: 1}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	repo := capability.NewFakeRepoHost()
	require.NoError(t, repo.CreateBranch(context.Background(), "acme/widgets", "proposals/x", "sha1"))
	pr, err := repo.CreatePullRequest(context.Background(), "acme/widgets", "proposals/x", "main", "X", "")
	require.NoError(t, err)

	runner := echoRunner(t, `{"approve":true,"concerns":""}`)
	fn := NewReview(runner)
	sc := newContext(t, s, job, project)
	sc.Repo = repo

	result, err := fn(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, pr.Number, result.PRNumber)
	require.Len(t, repo.Reviews, 1)
	require.Equal(t, capability.ReviewApprove, repo.Reviews[0].Event)
	require.Contains(t, repo.Reviews[0].Body, "approved")
}

func TestNewReviewRejectsWithConcerns(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobReview, ReviewPayload{ProposalID: "prop1", PRNumber: 1}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	repo := capability.NewFakeRepoHost()
	require.NoError(t, repo.CreateBranch(context.Background(), "acme/widgets", "proposals/x", "sha1"))
	_, err = repo.CreatePullRequest(context.Background(), "acme/widgets", "proposals/x", "main", "X", "")
	require.NoError(t, err)

	runner := echoRunner(t, `{"approve":false,"concerns":"missing tests"}`)
	fn := NewReview(runner)
	sc := newContext(t, s, job, project)
	sc.Repo = repo

	result, err := fn(context.Background(), sc)
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, "missing tests", result.Concerns)
	require.Len(t, repo.Reviews, 1)
	require.Equal(t, capability.ReviewRequestChanges, repo.Reviews[0].Event)
	require.Contains(t, repo.Reviews[0].Body, "changes requested")
}

func TestNewReviewFallsBackToCommentOnSelfReviewRejection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobReview, ReviewPayload{ProposalID: "prop1", PRNumber: 1}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	repo := capability.NewFakeRepoHost()
	repo.RejectSelfReview = true
	require.NoError(t, repo.CreateBranch(context.Background(), "acme/widgets", "proposals/x", "sha1"))
	_, err = repo.CreatePullRequest(context.Background(), "acme/widgets", "proposals/x", "main", "X", "")
	require.NoError(t, err)

	runner := echoRunner(t, `{"approve":true,"concerns":""}`)
	fn := NewReview(runner)
	sc := newContext(t, s, job, project)
	sc.Repo = repo

	result, err := fn(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Len(t, repo.Reviews, 1, "the rejected APPROVE attempt isn't recorded, only the COMMENT fallback")
	require.Equal(t, capability.ReviewComment, repo.Reviews[0].Event)
}

func TestNewReviewFailsOnUnparseableVerdict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobReview, ReviewPayload{ProposalID: "prop1", PRNumber: 1}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	repo := capability.NewFakeRepoHost()
	require.NoError(t, repo.CreateBranch(context.Background(), "acme/widgets", "proposals/x", "sha1"))
	_, err = repo.CreatePullRequest(context.Background(), "acme/widgets", "proposals/x", "main", "X", "")
	require.NoError(t, err)

	runner := echoRunner(t, "not a verdict at all")
	fn := NewReview(runner)
	sc := newContext(t, s, job, project)
	sc.Repo = repo

	_, err = fn(context.Background(), sc)
	require.Error(t, err)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
}

func TestNewSelfImproveRecordsFindingAsUserIdea(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobSelfImprove, SelfImprovePayload{Focus: "worker loop backoff"}))
	job, err := s.GetJob("job1")
	require.NoError(t, err)
	project, err := s.GetProject("p1")
	require.NoError(t, err)

	runner := echoRunner(t, "the backoff policy looks sound")
	fn := NewSelfImprove(runner)
	sc := newContext(t, s, job, project)

	_, err = fn(context.Background(), sc)
	require.NoError(t, err)

	ideas, err := s.ListOpenUserIdeas("p1")
	require.NoError(t, err)
	require.Len(t, ideas, 1)
	require.Contains(t, ideas[0], "backoff policy looks sound")
}

func TestNewRegistryWiresEveryJobType(t *testing.T) {
	reg := NewRegistry(agent.NewRunner(agent.CLIConfig{Cmd: "/bin/echo"}))

	for _, jt := range []store.JobType{
		store.JobScout, store.JobStrategize, store.JobBuild,
		store.JobReview, store.JobFixBuild, store.JobSelfImprove,
	} {
		_, ok := reg.Lookup(jt)
		require.True(t, ok, "job_type %s must be registered", jt)
	}

	_, ok := reg.Lookup(store.JobType("unknown"))
	require.False(t, ok)
}
