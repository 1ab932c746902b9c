// Package githubhost implements capability.RepoHost against the real
// GitHub API via google/go-github. The teacher's own internal/git package
// shells out to the gh CLI (see CreatePR/GetPRStatus in internal/git/pr.go)
// which works for a single local checkout but doesn't give the merge
// coordinator a mockable interface or a way to assert head SHA atomically
// at merge time — go-github's typed client does both.
package githubhost

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/kestrelflow/forge/internal/capability"
)

// Client adapts *github.Client to capability.RepoHost. repoRef is always
// "owner/name"; splitOwnerRepo below is the only place that format is
// assumed.
type Client struct {
	gh *github.Client
}

// New wraps an already-authenticated *github.Client. Callers obtain that
// client via capability/githubtoken, which handles GitHub App
// installation-token exchange.
func New(gh *github.Client) *Client {
	return &Client{gh: gh}
}

func splitOwnerRepo(repoRef string) (owner, name string, err error) {
	parts := strings.SplitN(repoRef, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("githubhost: repo ref %q is not owner/name", repoRef)
	}
	return parts[0], parts[1], nil
}

func (c *Client) CreateBranch(ctx context.Context, repoRef, branchName, fromSHA string) error {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return err
	}
	ref := "refs/heads/" + branchName
	_, _, err = c.gh.Git.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &fromSHA},
	})
	return translateErr(err)
}

func (c *Client) CreatePullRequest(ctx context.Context, repoRef, headBranch, baseBranch, title, body string) (*capability.PullRequest, error) {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: &title,
		Head:  &headBranch,
		Base:  &baseBranch,
		Body:  &body,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return toPullRequest(pr), nil
}

func (c *Client) GetPullRequest(ctx context.Context, repoRef string, number int) (*capability.PullRequest, error) {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, translateErr(err)
	}
	return toPullRequest(pr), nil
}

func (c *Client) MergePullRequest(ctx context.Context, repoRef string, number int, expectedHeadSHA string) (string, error) {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return "", err
	}
	result, _, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", &github.PullRequestOptions{
		SHA:         expectedHeadSHA,
		MergeMethod: "squash",
	})
	if err != nil {
		// GitHub returns 409 when the supplied SHA no longer matches the
		// PR's current head — exactly the head-pin race the merge
		// coordinator (§4.6) must fail closed on.
		if isConflict(err) {
			return "", fmt.Errorf("%w: %v", capability.ErrConflict, err)
		}
		return "", translateErr(err)
	}
	return result.GetSHA(), nil
}

func (c *Client) DeleteBranch(ctx context.Context, repoRef, branchName string) error {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return err
	}
	_, err = c.gh.Git.DeleteRef(ctx, owner, name, "refs/heads/"+branchName)
	return translateErr(err)
}

func (c *Client) CommentOnIssue(ctx context.Context, repoRef string, issueNumber int, body string) error {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, issueNumber, &github.IssueComment{Body: &body})
	return translateErr(err)
}

func (c *Client) CreateReview(ctx context.Context, repoRef string, prNumber int, commitID, body string, event capability.ReviewEvent) error {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return err
	}
	ev := string(event)
	_, _, err = c.gh.PullRequests.CreateReview(ctx, owner, name, prNumber, &github.PullRequestReviewRequest{
		CommitID: &commitID,
		Body:     &body,
		Event:    &ev,
	})
	if err != nil {
		if isSelfReviewRejected(err) {
			return fmt.Errorf("%w: %v", capability.ErrConflict, err)
		}
		return translateErr(err)
	}
	return nil
}

func (c *Client) ListPRFiles(ctx context.Context, repoRef string, prNumber int) ([]capability.PRFile, error) {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return nil, err
	}
	var all []capability.PRFile
	opt := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, prNumber, opt)
		if err != nil {
			return nil, translateErr(err)
		}
		for _, f := range files {
			all = append(all, capability.PRFile{
				Filename:  f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Patch:     f.GetPatch(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) GetRef(ctx context.Context, repoRef, ref string) (string, error) {
	owner, name, err := splitOwnerRepo(repoRef)
	if err != nil {
		return "", err
	}
	gitRef, _, err := c.gh.Git.GetRef(ctx, owner, name, ref)
	if err != nil {
		return "", translateErr(err)
	}
	return gitRef.GetObject().GetSHA(), nil
}

func toPullRequest(pr *github.PullRequest) *capability.PullRequest {
	return &capability.PullRequest{
		Number:     pr.GetNumber(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		HeadBranch: pr.GetHead().GetRef(),
		Mergeable:  pr.GetMergeable(),
		State:      pr.GetState(),
	}
}

func isConflict(err error) bool {
	var ge *github.ErrorResponse
	if errors.As(err, &ge) {
		return ge.Response != nil && ge.Response.StatusCode == 409
	}
	return false
}

// isSelfReviewRejected reports whether err is GitHub rejecting a review
// because the authenticated token authored the PR itself — a 403 or 422
// whose message names the PR as the token's own — distinct from a generic
// auth failure even though both can surface as 403 (§6 fallback trigger).
func isSelfReviewRejected(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		return false
	}
	if ge.Response.StatusCode != 403 && ge.Response.StatusCode != 422 {
		return false
	}
	return strings.Contains(strings.ToLower(ge.Message), "own pull request")
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var ge *github.ErrorResponse
	if errors.As(err, &ge) && ge.Response != nil {
		switch ge.Response.StatusCode {
		case 404:
			return fmt.Errorf("%w: %v", capability.ErrNotFound, err)
		case 401, 403:
			return fmt.Errorf("%w: %v", capability.ErrAuth, err)
		case 429:
			return fmt.Errorf("%w: %v", capability.ErrRateLimited, err)
		}
	}
	var re *github.RateLimitError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", capability.ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", capability.ErrTransientIO, err)
}
