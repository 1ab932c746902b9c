package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/ids"
)

// scoutFinding is one line of the agent's structured scout report.
type scoutFinding struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
}

// NewScout returns a stage function that runs the configured agent in the
// job's workspace, naming the project's repository and default branch in
// the prompt, to surface candidate ideas, recording each as a UserIdea for
// the strategize stage to weigh alongside operator-submitted ones. The
// stage does not clone the repository into the workspace. A scout job
// itself never produces a proposal or a PR — it only seeds strategize with
// material.
func NewScout(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		prompt := fmt.Sprintf(
			"Survey the repository %s (default branch %s) for improvement opportunities. "+
				"Respond with one JSON object per line: {\"title\":...,\"notes\":...}.",
			sc.Project.RepoRef, sc.Project.DefaultBranch)

		out, err := runner.Run(ctx, prompt, sc.Workspace.Path())
		if err != nil {
			return Result{}, fmt.Errorf("scout: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("scout: append run log failed", "error", err)
		}

		var found int
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || line[0] != '{' {
				continue
			}
			var f scoutFinding
			if err := json.Unmarshal([]byte(line), &f); err != nil {
				continue
			}
			if strings.TrimSpace(f.Title) == "" {
				continue
			}
			content := f.Title
			if f.Notes != "" {
				content = f.Title + ": " + f.Notes
			}
			if err := sc.Store.InsertUserIdea(ids.New(), sc.Project.ID, content); err != nil {
				return Result{}, fmt.Errorf("scout: record finding: %w", err)
			}
			found++
		}

		sc.Logger.Info("scout complete", "project", sc.Project.ID, "findings", found)
		return Result{}, nil
	}
}
