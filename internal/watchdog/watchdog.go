// Package watchdog implements the optional §4.9 periodic AI-driven
// diagnosis pass: summarize one project's queue/proposal/event state, ask
// the configured agent for a diagnosis and a constrained list of
// remediation actions, and apply only the actions whose preconditions
// hold. The prompt-then-parse-one-JSON-line shape is lifted from
// internal/stage/review.go's reviewVerdict parsing, narrowed here from a
// single approve/reject decision to a small closed action set. The
// watchdog never touches a repo checkout or shell directly — every action
// goes through the normal Store/Notifier paths the rest of the pipeline
// uses.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// ActionType is one member of the closed action set a diagnosis may
// request (§4.9). Any action type outside this set is dropped by apply.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionRetriggerJob     ActionType = "retrigger_job"
	ActionRejectProposal   ActionType = "reject_proposal"
	ActionReleaseMergeLock ActionType = "release_merge_lock"
	ActionTriggerScout     ActionType = "trigger_scout"
	ActionResetJobAttempts ActionType = "reset_job_attempts"
)

// retriggerStaleAfter is the "processing with no worker activity" window
// that gates retrigger_job (§4.9).
const retriggerStaleAfter = 30 * time.Minute

// Action is one step of a diagnosis's proposed remediation.
type Action struct {
	Type       ActionType `json:"type"`
	JobID      string     `json:"job_id,omitempty"`
	ProposalID string     `json:"proposal_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Diagnosis is the agent's structured assessment of one project's state.
type Diagnosis struct {
	Summary string   `json:"summary"`
	Actions []Action `json:"actions"`
}

// Config configures a Watchdog.
type Config struct {
	Store    *store.Store
	Agent    *agent.Runner
	Notifier capability.Notifier
	Logger   *slog.Logger
	// WorkDir is the scratch directory passed to the agent run. The
	// watchdog never reads or writes project files, so any writable
	// directory (defaults to os.TempDir()) is sufficient.
	WorkDir string
	// RetriggerStaleAfter gates retrigger_job: only a job whose locked_at
	// is older than this is eligible (§4.9's "processing >30min with no
	// worker activity"). Defaults to 30 minutes.
	RetriggerStaleAfter time.Duration
}

// Watchdog runs one diagnosis pass at a time, invoked from the
// supervisor's periodic watchdog sweep when no build is active (§4.9).
type Watchdog struct {
	cfg Config
}

func New(cfg Config) *Watchdog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.RetriggerStaleAfter == 0 {
		cfg.RetriggerStaleAfter = retriggerStaleAfter
	}
	return &Watchdog{cfg: cfg}
}

// Diagnose builds a snapshot of projectID's pipeline state, asks the agent
// for a diagnosis, and applies whichever proposed actions pass their
// preconditions. It always returns the diagnosis it acted on, even when
// parsing failed and a default send_notification fallback was substituted.
func (w *Watchdog) Diagnose(ctx context.Context, projectID string) (Diagnosis, error) {
	snap, err := w.buildSnapshot(projectID)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("watchdog: build snapshot: %w", err)
	}

	prompt := fmt.Sprintf(
		"You are monitoring an autonomous software-improvement pipeline for project %s.\n"+
			"Given the snapshot below, diagnose any problem and propose at most a few remediation "+
			"actions drawn ONLY from this closed set: send_notification, retrigger_job, "+
			"reject_proposal, release_merge_lock, trigger_scout, reset_job_attempts.\n"+
			"retrigger_job is valid only for a job_id listed under stale_processing_jobs below. "+
			"If nothing needs remediation, return an empty actions list.\n"+
			"Respond with exactly one JSON object: "+
			`{"summary":"...","actions":[{"type":"...","job_id":"...","proposal_id":"...","reason":"..."}]}`+
			"\n\nSnapshot:\n%s", projectID, snap.render())

	out, err := w.cfg.Agent.Run(ctx, prompt, w.cfg.WorkDir)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("watchdog: run agent: %w", err)
	}

	diag, ok := parseDiagnosis(out)
	if !ok {
		diag = Diagnosis{
			Summary: "watchdog: agent produced no parseable diagnosis",
			Actions: []Action{{Type: ActionSendNotification, Reason: firstLine(out)}},
		}
	}

	w.apply(ctx, projectID, snap, diag)
	return diag, nil
}

func parseDiagnosis(out string) (Diagnosis, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var d Diagnosis
		if err := json.Unmarshal([]byte(line), &d); err == nil {
			return d, true
		}
	}
	return Diagnosis{}, false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// apply filters diag.Actions against their preconditions and executes the
// survivors through the Store/Notifier. Every action, applied or dropped,
// is logged; dropped actions never reach the Store.
func (w *Watchdog) apply(ctx context.Context, projectID string, snap snapshot, diag Diagnosis) {
	for _, a := range diag.Actions {
		switch a.Type {
		case ActionSendNotification:
			w.notify(ctx, projectID, a.Reason, diag.Summary)

		case ActionRetriggerJob:
			if a.JobID == "" || !snap.staleJobIDs[a.JobID] {
				w.cfg.Logger.Warn("watchdog: dropped retrigger_job, precondition not met", "job_id", a.JobID)
				continue
			}
			if err := w.cfg.Store.ResetJobToPending(a.JobID); err != nil {
				w.cfg.Logger.Warn("watchdog: retrigger_job failed", "job_id", a.JobID, "error", err)
				continue
			}
			w.logAction(projectID, "watchdog_retrigger_job", a)

		case ActionResetJobAttempts:
			if a.JobID == "" {
				w.cfg.Logger.Warn("watchdog: dropped reset_job_attempts, missing job_id")
				continue
			}
			if err := w.cfg.Store.ResetJobAttempts(a.JobID); err != nil {
				w.cfg.Logger.Warn("watchdog: reset_job_attempts failed", "job_id", a.JobID, "error", err)
				continue
			}
			w.logAction(projectID, "watchdog_reset_job_attempts", a)

		case ActionRejectProposal:
			if a.ProposalID == "" {
				w.cfg.Logger.Warn("watchdog: dropped reject_proposal, missing proposal_id")
				continue
			}
			reason := a.Reason
			if reason == "" {
				reason = "rejected by watchdog"
			}
			if err := w.cfg.Store.UpdateProposalStatus(a.ProposalID, store.ProposalRejected, "", reason); err != nil {
				w.cfg.Logger.Warn("watchdog: reject_proposal failed", "proposal_id", a.ProposalID, "error", err)
				continue
			}
			w.logAction(projectID, "watchdog_reject_proposal", a)

		case ActionReleaseMergeLock:
			if err := w.cfg.Store.ReleaseMergeLock(projectID); err != nil {
				w.cfg.Logger.Warn("watchdog: release_merge_lock failed", "error", err)
				continue
			}
			w.logAction(projectID, "watchdog_release_merge_lock", a)

		case ActionTriggerScout:
			if err := w.cfg.Store.InsertJob(ids.New(), projectID, store.JobScout, map[string]any{}); err != nil {
				w.cfg.Logger.Warn("watchdog: trigger_scout failed", "error", err)
				continue
			}
			w.logAction(projectID, "watchdog_trigger_scout", a)

		default:
			w.cfg.Logger.Warn("watchdog: dropped unrecognized action type", "type", a.Type)
		}
	}
}

func (w *Watchdog) notify(ctx context.Context, projectID, reason, summary string) {
	if w.cfg.Notifier == nil {
		return
	}
	msg := summary
	if reason != "" {
		msg = reason
	}
	if err := w.cfg.Notifier.Notify(ctx, projectID, msg, "watchdog"); err != nil {
		w.cfg.Logger.Warn("watchdog: notification failed", "error", err)
	}
}

// logAction records an applied action as a BranchEvent, mirroring how every
// other consequential state change in the pipeline leaves a trail (§7).
func (w *Watchdog) logAction(projectID, eventType string, a Action) {
	data, _ := json.Marshal(a)
	if err := w.cfg.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID: projectID,
		EventType: eventType,
		EventData: data,
		Actor:     store.ActorWatchdog,
	}); err != nil {
		w.cfg.Logger.Warn("watchdog: failed to record action event", "event_type", eventType, "error", err)
	}
}
