package github

import (
	"context"
	"fmt"
)

// PullRequest represents a GitHub pull request. Field names match gh CLI
// --json output.
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"` // OPEN, CLOSED, MERGED
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	MergedAt    string `json:"mergedAt"`
	Mergeable   string `json:"mergeable"` // MERGEABLE, CONFLICTING, or UNKNOWN
}

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

const prJSONFields = "number,url,title,state,headRefName,baseRefName,mergedAt,mergeable"

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string // Source branch
	Base  string // Target branch (default: main)
	Draft bool
}

// Args renders the options as gh pr create arguments, without the leading
// "gh pr create". The coordinator prepends those when it executes the op.
func (o PRCreateOptions) Args(repoPath string) []string {
	base := o.Base
	if base == "" {
		base = DefaultBranch
	}

	args := []string{
		"--repo", repoPath,
		"--title", o.Title,
		"--head", o.Head,
		"--base", base,
	}
	if o.Body != "" {
		args = append(args, "--body", o.Body)
	}
	if o.Draft {
		args = append(args, "--draft")
	}
	return args
}

// GetPR retrieves a pull request by number, branch name, or URL.
func (c *Client) GetPR(ctx context.Context, ref string) (*PullRequest, error) {
	var pr PullRequest
	err := c.runJSON(ctx, &pr,
		"pr", "view", ref,
		"--repo", c.RepoPath(),
		"--json", prJSONFields)
	if err != nil {
		return nil, fmt.Errorf("failed to get PR %s: %w", ref, err)
	}
	return &pr, nil
}

// ListPRsForBranch lists pull requests whose head is the given branch.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	var prs []PullRequest
	err := c.runJSON(ctx, &prs,
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", branch,
		"--state", "all",
		"--json", prJSONFields)
	if err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}
	return prs, nil
}

// PRExists checks whether any PR exists for the given head branch.
func (c *Client) PRExists(ctx context.Context, branch string) (bool, error) {
	prs, err := c.ListPRsForBranch(ctx, branch)
	if err != nil {
		return false, err
	}
	return len(prs) > 0, nil
}
