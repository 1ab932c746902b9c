package watchdog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelflow/forge/internal/agent"
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

// echoRunner builds an agent.Runner whose underlying "CLI" is /bin/echo,
// so tests can pin a diagnosis response without invoking a real
// coding-agent binary.
func echoRunner(jsonLine string) *agent.Runner {
	return agent.NewRunner(agent.CLIConfig{
		Cmd:        "/bin/echo",
		PromptMode: "arg",
		Args:       []string{jsonLine},
	})
}

func TestDiagnoseAppliesRetriggerJobWhenStale(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobBuild, map[string]any{}))
	_, err := s.ClaimNextJob("worker-1")
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE job_queue SET locked_at = datetime('now', '-2 hours') WHERE id='job1'`)
	require.NoError(t, err)

	notifier := &capability.FakeNotifier{}
	wd := New(Config{
		Store:    s,
		Agent:    echoRunner(`{"summary":"job1 appears stuck","actions":[{"type":"retrigger_job","job_id":"job1","reason":"no heartbeat"}]}`),
		Notifier: notifier,
	})

	diag, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "job1 appears stuck", diag.Summary)

	job, err := s.GetJob("job1")
	require.NoError(t, err)
	require.Equal(t, store.JobPending, job.Status)
}

func TestDiagnoseDropsRetriggerJobWhenNotStale(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.AutonomyAutomate}))
	require.NoError(t, s.InsertJob("job1", "p1", store.JobBuild, map[string]any{}))
	_, err := s.ClaimNextJob("worker-1")
	require.NoError(t, err)

	wd := New(Config{
		Store: s,
		Agent: echoRunner(`{"summary":"job1 appears stuck","actions":[{"type":"retrigger_job","job_id":"job1"}]}`),
	})

	_, err = wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)

	job, err := s.GetJob("job1")
	require.NoError(t, err)
	require.Equal(t, store.JobProcessing, job.Status, "retrigger_job must be dropped when the job is not yet stale")
}

func TestDiagnoseAppliesReleaseMergeLock(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))
	require.NoError(t, s.TryAcquireMergeLock("p1"))

	wd := New(Config{
		Store: s,
		Agent: echoRunner(`{"summary":"merge lock stuck","actions":[{"type":"release_merge_lock","reason":"no active merge"}]}`),
	})

	_, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)

	proj, err := s.GetProject("p1")
	require.NoError(t, err)
	require.False(t, proj.MergeInProgress)
}

func TestDiagnoseAppliesTriggerScout(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	wd := New(Config{
		Store: s,
		Agent: echoRunner(`{"summary":"idle, restart scouting","actions":[{"type":"trigger_scout"}]}`),
	})

	_, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)

	pending, err := s.HasPendingOrProcessingJob("p1", store.JobScout)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestDiagnoseNoActionsIsSafe(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	wd := New(Config{
		Store: s,
		Agent: echoRunner(`{"summary":"all healthy","actions":[]}`),
	})

	diag, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "all healthy", diag.Summary)
	require.Empty(t, diag.Actions)
}

func TestDiagnoseUnparseableOutputFallsBackToNotification(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	notifier := &capability.FakeNotifier{}
	wd := New(Config{
		Store:    s,
		Agent:    echoRunner("not json at all"),
		Notifier: notifier,
	})

	diag, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, diag.Actions, 1)
	require.Equal(t, ActionSendNotification, diag.Actions[0].Type)
	require.Len(t, notifier.Messages, 1)
}

func TestDiagnoseDropsUnrecognizedActionType(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertProject(store.Project{ID: "p1", RepoRef: "acme/widgets", DefaultBranch: "main"}))

	wd := New(Config{
		Store: s,
		Agent: echoRunner(`{"summary":"weird","actions":[{"type":"delete_repository"}]}`),
	})

	_, err := wd.Diagnose(context.Background(), "p1")
	require.NoError(t, err)
}
