package capability

import (
	"context"
	"fmt"
	"sync"
)

// FakeRepoHost is an in-memory RepoHost for tests that never needs network
// access. It tracks PRs by number and enforces the same head-pin contract
// the real GitHub-backed implementation must: MergePullRequest fails if the
// expected SHA doesn't match the tracked head.
type FakeRepoHost struct {
	mu       sync.Mutex
	nextPR   int
	prs      map[int]*PullRequest
	Branches map[string]string // branchName -> sha
	Merged   []int
	Deleted  []string
	Comments []string
	Reviews  []ReviewCall
	PRFiles  map[int][]PRFile

	// RejectSelfReview, when true, makes CreateReview fail as though
	// GitHub rejected the token reviewing its own authored PR for any
	// non-COMMENT event — exercising the review stage's
	// APPROVE/REQUEST_CHANGES→COMMENT fallback (§6).
	RejectSelfReview bool
}

// ReviewCall records one CreateReview invocation.
type ReviewCall struct {
	PRNumber int
	CommitID string
	Body     string
	Event    ReviewEvent
}

func NewFakeRepoHost() *FakeRepoHost {
	return &FakeRepoHost{
		prs:      make(map[int]*PullRequest),
		Branches: make(map[string]string),
	}
}

func (f *FakeRepoHost) CreateBranch(_ context.Context, _, branchName, fromSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Branches[branchName] = fromSHA
	return nil
}

func (f *FakeRepoHost) CreatePullRequest(_ context.Context, _, headBranch, baseBranch, title, _ string) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPR++
	pr := &PullRequest{
		Number:     f.nextPR,
		HeadSHA:    f.Branches[headBranch],
		BaseBranch: baseBranch,
		HeadBranch: headBranch,
		Mergeable:  true,
		State:      "open",
	}
	f.prs[pr.Number] = pr
	_ = title
	return pr, nil
}

func (f *FakeRepoHost) GetPullRequest(_ context.Context, _ string, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (f *FakeRepoHost) MergePullRequest(_ context.Context, _ string, number int, expectedHeadSHA string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return "", ErrNotFound
	}
	if pr.HeadSHA != expectedHeadSHA {
		return "", fmt.Errorf("%w: head moved from %s to %s since approval", ErrConflict, expectedHeadSHA, pr.HeadSHA)
	}
	pr.State = "merged"
	f.Merged = append(f.Merged, number)
	return "merged-" + expectedHeadSHA, nil
}

func (f *FakeRepoHost) DeleteBranch(_ context.Context, _, branchName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Branches, branchName)
	f.Deleted = append(f.Deleted, branchName)
	return nil
}

func (f *FakeRepoHost) CommentOnIssue(_ context.Context, _ string, _ int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments = append(f.Comments, body)
	return nil
}

func (f *FakeRepoHost) CreateReview(_ context.Context, _ string, prNumber int, commitID, body string, event ReviewEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectSelfReview && event != ReviewComment {
		return fmt.Errorf("%w: can not approve your own pull request", ErrConflict)
	}
	f.Reviews = append(f.Reviews, ReviewCall{PRNumber: prNumber, CommitID: commitID, Body: body, Event: event})
	return nil
}

func (f *FakeRepoHost) ListPRFiles(_ context.Context, _ string, prNumber int) ([]PRFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PRFiles[prNumber], nil
}

func (f *FakeRepoHost) GetRef(_ context.Context, _, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.Branches[ref]
	if !ok {
		return "", ErrNotFound
	}
	return sha, nil
}

// FakeTokenProvider returns a fixed token, optionally forced to fail to
// exercise the worker loop's OAuth-classified failure path (§7).
type FakeTokenProvider struct {
	Token_ string
	Err    error
}

func (f *FakeTokenProvider) Token(_ context.Context, _ string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	if f.Token_ == "" {
		return "fake-token", nil
	}
	return f.Token_, nil
}

// FakeNotifier records every message delivered, keyed by project.
type FakeNotifier struct {
	mu       sync.Mutex
	Messages []NotifyCall
}

type NotifyCall struct {
	ProjectID string
	Message   string
	ThreadKey string
}

func (f *FakeNotifier) Notify(_ context.Context, projectID, message, threadKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, NotifyCall{ProjectID: projectID, Message: message, ThreadKey: threadKey})
	return nil
}
