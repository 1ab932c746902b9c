// Package workspace provides the per-job scratch directory every stage
// function runs in (§5 "Workspaces are per-job scratch directories,
// exclusively owned by the stage and deleted on stage exit ... via scoped
// acquisition with guaranteed release on all exit paths").
//
// Two drivers: a plain temp-directory driver (default, zero dependencies
// beyond os) and a container-backed driver. The container driver is
// adapted from the teacher's internal/dispatch/docker.go DockerDispatcher,
// narrowed from a whole-agent-session container runner down to "give me an
// isolated directory for the duration of one stage" — this package never
// runs a long-lived agent process inside the container, it only bind-mounts
// a host directory into one. With either driver, stages run their commands
// (git, the agent CLI) on the host in the directory Path returns; the
// container does not isolate them.
package workspace

import "context"

// Workspace is a scoped directory handle. Path is valid until Release is
// called. Release must be safe to call multiple times and must be called
// on every exit path, success or failure.
type Workspace interface {
	Path() string
	Release(ctx context.Context) error
}

// Driver acquires a fresh Workspace for one job.
type Driver interface {
	Acquire(ctx context.Context, jobID string) (Workspace, error)
}
