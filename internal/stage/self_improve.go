package stage

import (
	"context"
	"fmt"

	"github.com/kestrelflow/forge/internal/agent"
)

// NewSelfImprove returns a stage function for jobs that target the
// pipeline's own codebase rather than a managed project — an operator
// nudge rather than part of the scout→strategize→build→review chain.
// It runs the agent and records the transcript; it never opens a PR of
// its own, since self-improvement proposals are expected to land through
// the normal managed-project pipeline once the agent has investigated.
func NewSelfImprove(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		var payload SelfImprovePayload
		if err := DecodePayload(sc.Job.JobType, sc.Job.Payload, &payload); err != nil {
			return Result{}, &FatalError{Reason: err.Error()}
		}

		focus := payload.Focus
		if focus == "" {
			focus = "general pipeline health"
		}
		prompt := fmt.Sprintf("Investigate the pipeline's own codebase with a focus on: %s. Summarize findings.", focus)

		out, err := runner.Run(ctx, prompt, sc.Workspace.Path())
		if err != nil {
			return Result{}, fmt.Errorf("self_improve: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("self_improve: append run log failed", "error", err)
		}
		if err := sc.Store.InsertUserIdea(sc.Job.ID, sc.Project.ID, out); err != nil {
			return Result{}, fmt.Errorf("self_improve: record findings: %w", err)
		}

		sc.Logger.Info("self_improve complete", "project", sc.Project.ID, "focus", focus)
		return Result{}, nil
	}
}
