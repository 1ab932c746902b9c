// Package ids generates the opaque unique identifiers used for every row
// the pipeline creates: jobs, cycles, proposals, pipeline runs, checkpoints.
package ids

import "github.com/google/uuid"

// New returns a fresh opaque identifier. Callers must not parse structure
// out of it — the cycle state machine relies on that opacity to alias a
// cycle's id to the scout job that opened it (see internal/store's
// InsertCycle and DESIGN.md's recorded decision on cycle identity).
func New() string {
	return uuid.NewString()
}
