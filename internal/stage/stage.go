// Package stage defines the black-box worker-function contract (§1, §4.7)
// and the typed job-payload variants each job_type carries. The teacher's
// equivalent is a single duck-typed "issue body" string threaded through
// every stage; SPEC_FULL.md's redesign note calls instead for one Go type
// per job_type, which is what the *Payload types below are.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/store"
	"github.com/kestrelflow/forge/internal/workspace"
)

// ScoutPayload carries nothing but the project's own configuration — a
// scout job is a tick, not a targeted instruction.
type ScoutPayload struct{}

// StrategizePayload carries the cycle a strategize run belongs to.
type StrategizePayload struct {
	CycleID string `json:"cycle_id"`
}

// BuildPayload carries everything the builder needs to implement one
// approved proposal.
type BuildPayload struct {
	ProposalID    string `json:"proposal_id"`
	BranchName    string `json:"branch_name"`
	Spec          string `json:"spec"`
	Title         string `json:"title"`
	PipelineRunID string `json:"pipeline_run_id"`
}

// ReviewPayload carries the PR under review and how many remediation
// rounds have already been attempted.
type ReviewPayload struct {
	ProposalID          string `json:"proposal_id"`
	PRNumber            int    `json:"pr_number"`
	HeadSHA             string `json:"head_sha"`
	BranchName          string `json:"branch_name"`
	RemediationAttempt  int    `json:"remediation_attempt"`
}

// FixBuildPayload carries the reviewer's concerns to address.
type FixBuildPayload struct {
	ProposalID string `json:"proposal_id"`
	BranchName string `json:"branch_name"`
	PRNumber   int    `json:"pr_number"`
	Concerns   string `json:"concerns"`
}

// SelfImprovePayload targets the pipeline's own codebase rather than a
// managed project's.
type SelfImprovePayload struct {
	Focus string `json:"focus"`
}

// DecodePayload unmarshals a job's raw payload into the typed variant for
// its job_type.
func DecodePayload(jobType store.JobType, raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("stage: decode %s payload: %w", jobType, err)
	}
	return nil
}

// Result is what a stage function returns on success. HasChanges and PR
// fields matter only for build/fix_build/review — unused fields are
// zero-valued for other stages.
type Result struct {
	HasChanges bool
	PRNumber   int
	HeadSHA    string
	Approved   bool // review only
	Concerns   string
}

// Context bundles everything a stage function may need, mirroring §4.7
// step 5's "(job, project, store, capabilities, logger)" dispatch
// signature. Workspace is acquired by the worker loop before dispatch and
// released after, regardless of outcome (§5 shared-resource policy).
type Context struct {
	Job       *store.Job
	Project   *store.Project
	Store     *store.Store
	Repo      capability.RepoHost
	Tokens    capability.TokenProvider
	Notifier  capability.Notifier
	Workspace workspace.Workspace
	Logger    *slog.Logger
}

// Func is the black-box worker-function contract every stage implements.
type Func func(ctx context.Context, sc Context) (Result, error)

// FailureError marks a failure the state machine should handle via a
// rejection/transition rather than a plain job retry (§7 StageFailure) —
// e.g. the agent produced no parseable output. Stages return this instead
// of a bare error when the worker loop should not just reset the job to
// pending and try again.
type FailureError struct{ Reason string }

func (e *FailureError) Error() string { return "stage failure: " + e.Reason }

// FatalError marks a programmer/configuration error serious enough that
// the supervisor should treat it as a reason to restart the worker process
// (§7 Fatal) rather than retry or reject a proposal.
type FatalError struct{ Reason string }

func (e *FatalError) Error() string { return "fatal: " + e.Reason }

// Registry maps job_type to its stage function.
type Registry map[store.JobType]Func

// Lookup returns the stage function for a job_type, or ok=false if none is
// registered — the worker loop then fails the job permanently without a
// retry, since an unrecognized job_type is a programmer error.
func (r Registry) Lookup(jobType store.JobType) (Func, bool) {
	fn, ok := r[jobType]
	return fn, ok
}
