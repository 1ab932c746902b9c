package watchdog

import (
	"fmt"
	"strings"

	"github.com/kestrelflow/forge/internal/store"
)

// maxRecentEvents bounds how much of a project's branch-event history is
// included in a diagnosis prompt; the watchdog reasons about recent
// activity, not the full append-only log.
const maxRecentEvents = 20

// snapshot is the read-only view of one project's pipeline state a
// diagnosis is computed from.
type snapshot struct {
	project         *store.Project
	queueCounts     store.QueueCounts
	failedJobs      []store.Job
	staleJobs       []store.Job
	staleJobIDs     map[string]bool
	recentEvents    []store.BranchEvent
	draftProposals  []store.Proposal
}

func (w *Watchdog) buildSnapshot(projectID string) (snapshot, error) {
	project, err := w.cfg.Store.GetProject(projectID)
	if err != nil {
		return snapshot{}, fmt.Errorf("get project: %w", err)
	}

	counts, err := w.cfg.Store.CountJobsByStatus()
	if err != nil {
		return snapshot{}, fmt.Errorf("count jobs: %w", err)
	}

	failed, err := w.cfg.Store.ListFailedJobsByTypes(
		store.JobScout, store.JobStrategize, store.JobBuild, store.JobReview, store.JobFixBuild,
	)
	if err != nil {
		return snapshot{}, fmt.Errorf("list failed jobs: %w", err)
	}

	stale, err := w.cfg.Store.ListStaleProcessingJobs(w.cfg.RetriggerStaleAfter)
	if err != nil {
		return snapshot{}, fmt.Errorf("list stale processing jobs: %w", err)
	}
	staleIDs := make(map[string]bool, len(stale))
	for _, j := range stale {
		staleIDs[j.ID] = true
	}

	events, err := w.cfg.Store.ListBranchEvents(projectID)
	if err != nil {
		return snapshot{}, fmt.Errorf("list branch events: %w", err)
	}
	if len(events) > maxRecentEvents {
		events = events[len(events)-maxRecentEvents:]
	}

	drafts, err := w.cfg.Store.ListDraftProposals(projectID, "")
	if err != nil {
		return snapshot{}, fmt.Errorf("list draft proposals: %w", err)
	}

	return snapshot{
		project:        project,
		queueCounts:    counts,
		failedJobs:     filterByProject(failed, projectID),
		staleJobs:      filterByProject(stale, projectID),
		staleJobIDs:    staleIDs,
		recentEvents:   events,
		draftProposals: drafts,
	}, nil
}

func filterByProject(jobs []store.Job, projectID string) []store.Job {
	out := make([]store.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.ProjectID == projectID {
			out = append(out, j)
		}
	}
	return out
}

// render formats the snapshot as plain text for the diagnosis prompt.
func (s snapshot) render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "project: %s (autonomy_mode=%s paused=%v merge_in_progress=%v)\n",
		s.project.ID, s.project.AutonomyMode, s.project.Paused, s.project.MergeInProgress)
	fmt.Fprintf(&b, "queue: %d pending, %d processing, %d failed, %d done\n",
		s.queueCounts.Pending, s.queueCounts.Processing, s.queueCounts.Failed, s.queueCounts.Done)

	b.WriteString("failed_jobs:\n")
	if len(s.failedJobs) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, j := range s.failedJobs {
		fmt.Fprintf(&b, "  job_id=%s type=%s attempts=%d last_error=%q\n", j.ID, j.JobType, j.AttemptCount, j.LastError)
	}

	b.WriteString("stale_processing_jobs:\n")
	if len(s.staleJobs) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, j := range s.staleJobs {
		fmt.Fprintf(&b, "  job_id=%s type=%s attempts=%d\n", j.ID, j.JobType, j.AttemptCount)
	}

	b.WriteString("draft_proposals:\n")
	if len(s.draftProposals) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range s.draftProposals {
		fmt.Fprintf(&b, "  proposal_id=%s title=%q score_avg=%.2f\n", p.ID, p.Title, p.Scores.Average())
	}

	b.WriteString("recent_events:\n")
	if len(s.recentEvents) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, e := range s.recentEvents {
		fmt.Fprintf(&b, "  [%s] %s actor=%s branch=%s\n", e.CreatedAt.Format("15:04:05"), e.EventType, e.Actor, e.BranchName)
	}

	return b.String()
}
