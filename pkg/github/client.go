// Package github provides GitHub API operations via the gh CLI. Pull request
// creation itself is serialized through the git coordinator; this client
// covers the read side (PR state, auth status) that needs no queue slot.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hatch/pkg/exec"
	"hatch/pkg/logx"
)

// DefaultBranch is the default target branch for pull requests.
const DefaultBranch = "main"

// Client runs gh CLI commands against one repository.
type Client struct {
	owner    string
	repo     string
	executor exec.Executor
	logger   *logx.Logger
	timeout  time.Duration
}

// NewClient creates a client for the given owner/repo pair.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:    owner,
		repo:     repo,
		executor: exec.NewLocalExec(),
		logger:   logx.NewLogger("github"),
		timeout:  30 * time.Second,
	}
}

// NewClientFromRemote creates a client by parsing a git remote URL.
func NewClientFromRemote(remoteURL string) (*Client, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewClient(owner, repo), nil
}

// WithExecutor returns a copy of the client running through the given
// executor. Used by tests.
func (c *Client) WithExecutor(executor exec.Executor) *Client {
	cp := *c
	cp.executor = executor
	return &cp
}

// WithTimeout returns a copy of the client with the given per-command timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// Owner returns the repository owner.
func (c *Client) Owner() string { return c.owner }

// Repo returns the repository name.
func (c *Client) Repo() string { return c.repo }

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// run executes a gh command and returns stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	result, err := c.executor.Run(ctx, append([]string{"gh"}, args...), &exec.Opts{
		Timeout: c.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("gh %s: %w", args[0], err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("gh %s exited %d: %s", args[0], result.ExitCode,
			strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// runJSON executes a gh command and unmarshals its JSON output.
func (c *Client) runJSON(ctx context.Context, result interface{}, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(output) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(output), result); err != nil {
		return fmt.Errorf("failed to parse gh JSON output: %w", err)
	}
	return nil
}

// ParseGitHubURL extracts owner and repo from SSH or HTTPS GitHub URLs.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported git URL format: %s", url)
	}

	path = strings.TrimSuffix(path, ".git")
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub URL format: %s", url)
	}
	return parts[0], parts[1], nil
}

// CheckAuth verifies that the gh CLI has valid credentials.
func (c *Client) CheckAuth(ctx context.Context) error {
	if _, err := c.run(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("gh auth check failed: %w", err)
	}
	return nil
}

// CheckAuth verifies gh credentials without a repository context.
func CheckAuth(ctx context.Context, executor exec.Executor) error {
	c := NewClient("", "").WithExecutor(executor)
	return c.CheckAuth(ctx)
}
