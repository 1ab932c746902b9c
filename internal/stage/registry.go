package stage

import (
	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/store"
)

// NewRegistry wires the given agent.Runner into the Registry the worker
// loop dispatches through, one stage function per job_type. A single
// runner/CLI config is reused
// across stages; callers that want per-stage CLI configs can build a
// Registry by hand instead of calling this constructor.
func NewRegistry(runner *agent.Runner) Registry {
	return Registry{
		store.JobScout:       NewScout(runner),
		store.JobStrategize:  NewStrategize(runner),
		store.JobBuild:       NewBuild(runner),
		store.JobReview:      NewReview(runner),
		store.JobFixBuild:    NewFixBuild(runner),
		store.JobSelfImprove: NewSelfImprove(runner),
	}
}
