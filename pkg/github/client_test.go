package github

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hatch/pkg/exec"
)

type stubExecutor struct {
	mu      sync.Mutex
	calls   [][]string
	stdout  string
	stderr  string
	exit    int
	nextErr error
}

func (s *stubExecutor) Run(ctx context.Context, cmd []string, opts *exec.Opts) (exec.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.mu.Unlock()
	if s.nextErr != nil {
		return exec.Result{ExitCode: -1}, s.nextErr
	}
	return exec.Result{Stdout: s.stdout, Stderr: s.stderr, ExitCode: s.exit}, nil
}

func (s *stubExecutor) Name() exec.ExecutorType { return "stub" }
func (s *stubExecutor) Available() bool         { return true }

func (s *stubExecutor) lastCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return strings.Join(s.calls[len(s.calls)-1], " ")
}

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		url     string
		owner   string
		repo    string
		wantErr bool
	}{
		{url: "git@github.com:acme/api.git", owner: "acme", repo: "api"},
		{url: "git@github.com:acme/api", owner: "acme", repo: "api"},
		{url: "https://github.com/acme/api.git", owner: "acme", repo: "api"},
		{url: "https://github.com/acme/api", owner: "acme", repo: "api"},
		{url: "https://github.com/acme/api/", owner: "acme", repo: "api"},
		{url: "https://gitlab.com/acme/api", wantErr: true},
		{url: "git@github.com:acme", wantErr: true},
		{url: "https://github.com/", wantErr: true},
		{url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo, err := ParseGitHubURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestGetPR(t *testing.T) {
	stub := &stubExecutor{
		stdout: `{"number":42,"url":"https://github.com/acme/api/pull/42","title":"Add auth","state":"OPEN","headRefName":"feature-auth","baseRefName":"main","mergedAt":"","mergeable":"MERGEABLE"}`,
	}
	client := NewClient("acme", "api").WithExecutor(stub)

	pr, err := client.GetPR(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "OPEN", pr.State)
	assert.Equal(t, "feature-auth", pr.HeadRefName)
	assert.False(t, pr.IsMerged())
	assert.Contains(t, stub.lastCall(), "gh pr view 42 --repo acme/api")
}

func TestGetPRCommandFailure(t *testing.T) {
	stub := &stubExecutor{
		exit:   1,
		stderr: "GraphQL: Could not resolve to a PullRequest",
	}
	client := NewClient("acme", "api").WithExecutor(stub)

	_, err := client.GetPR(context.Background(), "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not resolve")
}

func TestPRExists(t *testing.T) {
	stub := &stubExecutor{stdout: `[{"number":7,"state":"OPEN"}]`}
	client := NewClient("acme", "api").WithExecutor(stub)

	exists, err := client.PRExists(context.Background(), "feature-auth")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Contains(t, stub.lastCall(), "--head feature-auth")

	stub.stdout = `[]`
	exists, err = client.PRExists(context.Background(), "idle-branch")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPRCreateOptionsArgs(t *testing.T) {
	args := PRCreateOptions{
		Title: "Add auth",
		Head:  "feature-auth",
		Body:  "Adds token refresh.",
	}.Args("acme/api")

	assert.Equal(t, []string{
		"--repo", "acme/api",
		"--title", "Add auth",
		"--head", "feature-auth",
		"--base", "main",
		"--body", "Adds token refresh.",
	}, args)

	draft := PRCreateOptions{Title: "WIP", Head: "x", Base: "develop", Draft: true}.Args("acme/api")
	assert.Contains(t, draft, "--draft")
	assert.Contains(t, draft, "develop")
}

func TestIsMerged(t *testing.T) {
	pr := &PullRequest{MergedAt: "2026-08-30T12:00:00Z"}
	assert.True(t, pr.IsMerged())
	assert.False(t, (&PullRequest{}).IsMerged())
}

func TestCheckAuthFailure(t *testing.T) {
	stub := &stubExecutor{exit: 1, stderr: "You are not logged into any GitHub hosts."}
	client := NewClient("acme", "api").WithExecutor(stub)

	err := client.CheckAuth(context.Background())
	require.Error(t, err)
	assert.Contains(t, stub.lastCall(), "gh auth status")

	// The repo-less form fails the same way.
	assert.Error(t, CheckAuth(context.Background(), stub))
}
