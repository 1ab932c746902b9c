// Package capability defines the narrow external-system interfaces stage
// functions depend on: RepoHost, TokenProvider, and Notifier. Each is small
// enough to fake in tests without a live GitHub App, Slack workspace, or
// webhook endpoint — the same adapter-per-concern shape the rest of the
// pack uses to keep orchestration logic decoupled from any one client
// library.
package capability

import (
	"context"
	"errors"
)

// Typed errors every capability implementation must map its transport's
// failures onto, so the worker loop's classifyFailure (§7) can branch on
// cause without knowing which concrete client produced the error.
var (
	ErrNotFound    = errors.New("capability: not found")
	ErrConflict    = errors.New("capability: conflict")
	ErrRateLimited = errors.New("capability: rate limited")
	ErrTransientIO = errors.New("capability: transient io")
	ErrAuth        = errors.New("capability: auth")
)

// PullRequest is the subset of PR state the pipeline reasons about.
type PullRequest struct {
	Number     int
	HeadSHA    string
	BaseBranch string
	HeadBranch string
	Mergeable  bool
	State      string // "open", "closed", "merged"
}

// ReviewEvent is the verdict a CreateReview call submits to the forge,
// mirroring GitHub's own review event enum (§6).
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewComment        ReviewEvent = "COMMENT"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
)

// PRFile is one file changed in a pull request, as returned by ListPRFiles.
type PRFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Patch     string
}

// RepoHost is the narrow surface the builder, reviewer, and merge
// coordinator need against a forge (GitHub in production). Implementations
// must treat head SHA mismatches in MergePullRequest as a caller error — the merge
// coordinator's head-pin check (§4.6) depends on the call failing closed.
type RepoHost interface {
	CreateBranch(ctx context.Context, repoRef, branchName, fromSHA string) error
	CreatePullRequest(ctx context.Context, repoRef, headBranch, baseBranch, title, body string) (*PullRequest, error)
	GetPullRequest(ctx context.Context, repoRef string, number int) (*PullRequest, error)
	MergePullRequest(ctx context.Context, repoRef string, number int, expectedHeadSHA string) (mergeCommitSHA string, err error)
	DeleteBranch(ctx context.Context, repoRef, branchName string) error
	CommentOnIssue(ctx context.Context, repoRef string, issueNumber int, body string) error
	// CreateReview submits a formal review against commitID. Implementations
	// must map a 403/422 caused by the token authoring its own PR onto
	// ErrConflict so callers can retry with event=COMMENT instead (§6 "must
	// fall back from APPROVE/REQUEST_CHANGES→COMMENT... when the token
	// cannot act on its own author's PR").
	CreateReview(ctx context.Context, repoRef string, prNumber int, commitID, body string, event ReviewEvent) error
	// ListPRFiles lists the files changed in a pull request.
	ListPRFiles(ctx context.Context, repoRef string, prNumber int) ([]PRFile, error)
	// GetRef resolves a ref (e.g. "heads/main") to its current commit SHA —
	// used by the cycle-completion check to record the default branch's
	// head at checkpoint time (§4.5, §6 "refs: read HEAD").
	GetRef(ctx context.Context, repoRef, ref string) (sha string, err error)
}

// TokenProvider resolves a short-lived credential for a project's
// installation. Implementations must be safe to call before every job
// dispatch (§4.7 step "refresh token before execution") — callers do not
// cache across calls.
type TokenProvider interface {
	Token(ctx context.Context, installationID string) (string, error)
}

// Notifier delivers operator-facing messages: approval requests, digests,
// watchdog diagnoses. ThreadKey, when non-empty, asks the implementation to
// group related messages (e.g. a Slack thread) — implementations that can't
// thread may ignore it.
type Notifier interface {
	Notify(ctx context.Context, projectID, message, threadKey string) error
}
