package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind is the taxonomy bucket for a failed git/gh command.
type ErrorKind string

// Error taxonomy. Produced by Classify from raw command stderr.
const (
	ErrAuthExpired      ErrorKind = "auth-expired"
	ErrNonFastForward   ErrorKind = "non-fast-forward"
	ErrMergeConflict    ErrorKind = "merge-conflict"
	ErrRepoNotFound     ErrorKind = "repo-not-found"
	ErrNetwork          ErrorKind = "network"
	ErrPermissionDenied ErrorKind = "permission-denied"
	ErrUnknown          ErrorKind = "unknown"
)

// RecoveryAction names the suggested user-visible recovery for an error kind.
type RecoveryAction string

// Recovery actions surfaced alongside classified errors.
const (
	ActionReauthenticate   RecoveryAction = "re-authenticate"
	ActionPullAndRetry     RecoveryAction = "pull-and-retry"
	ActionResolveConflicts RecoveryAction = "resolve-conflicts"
	ActionCheckRemote      RecoveryAction = "check-remote"
	ActionCheckNetwork     RecoveryAction = "check-network"
	ActionOpenSettings     RecoveryAction = "open-settings"
	ActionRetry            RecoveryAction = "retry"
)

// GitError is a classified command failure. Message is short and user-facing;
// the raw stderr is preserved separately and never shown directly.
type GitError struct {
	Kind          ErrorKind      `json:"kind"`
	Action        RecoveryAction `json:"action"`
	Message       string         `json:"message"`
	Command       string         `json:"command"`
	ConflictPaths []string       `json:"conflict_paths,omitempty"`
	Stderr        string         `json:"-"`
	ExitCode      int            `json:"exit_code"`
}

func (e *GitError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Kind, e.Message)
}

// IsAuthExpired reports whether err is a classified auth-expired failure.
func IsAuthExpired(err error) bool {
	var gitErr *GitError
	return errors.As(err, &gitErr) && gitErr.Kind == ErrAuthExpired
}

var conflictPathRe = regexp.MustCompile(`(?m)^CONFLICT \([^)]+\): Merge conflict in (.+)$`)

// Classify maps raw stderr from a failed command to the error taxonomy and a
// suggested recovery action. Pure function, no state.
func Classify(command, stderr string, exitCode int) *GitError {
	lower := strings.ToLower(stderr)

	gitErr := &GitError{
		Command:  command,
		Stderr:   stderr,
		ExitCode: exitCode,
	}

	switch {
	case containsAny(lower,
		"authentication failed",
		"could not read username",
		"bad credentials",
		"token expired",
		"401 unauthorized",
		"gh auth login",
		"re-authenticate",
		"invalid credentials"):
		gitErr.Kind = ErrAuthExpired
		gitErr.Action = ActionReauthenticate
		gitErr.Message = "GitHub authentication expired. Sign in again to continue."

	case containsAny(lower,
		"non-fast-forward",
		"fetch first",
		"updates were rejected"):
		gitErr.Kind = ErrNonFastForward
		gitErr.Action = ActionPullAndRetry
		gitErr.Message = "The remote branch has new commits. Pull and retry."

	case containsAny(lower,
		"merge conflict",
		"automatic merge failed",
		"needs merge"):
		gitErr.Kind = ErrMergeConflict
		gitErr.Action = ActionResolveConflicts
		gitErr.ConflictPaths = extractConflictPaths(stderr)
		if len(gitErr.ConflictPaths) > 0 {
			gitErr.Message = fmt.Sprintf("Merge conflict in %d file(s). Resolve conflicts to continue.", len(gitErr.ConflictPaths))
		} else {
			gitErr.Message = "Merge conflict. Resolve conflicts to continue."
		}

	case containsAny(lower,
		"repository not found",
		"not a git repository",
		"does not appear to be a git repository"):
		gitErr.Kind = ErrRepoNotFound
		gitErr.Action = ActionCheckRemote
		gitErr.Message = "Repository not found. Check the repository URL and your access."

	case containsAny(lower,
		"permission denied",
		"403 forbidden",
		"protected branch"):
		gitErr.Kind = ErrPermissionDenied
		gitErr.Action = ActionOpenSettings
		gitErr.Message = "Permission denied. Check your access rights."

	case containsAny(lower,
		"could not resolve host",
		"connection refused",
		"connection timed out",
		"network is unreachable",
		"operation timed out",
		"failed to connect"):
		gitErr.Kind = ErrNetwork
		gitErr.Action = ActionCheckNetwork
		gitErr.Message = "Network error. Check your connection and try again."

	default:
		gitErr.Kind = ErrUnknown
		gitErr.Action = ActionRetry
		gitErr.Message = "Something went wrong. Check your connection and try again."
	}

	return gitErr
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractConflictPaths pulls conflicting file paths out of merge output.
func extractConflictPaths(output string) []string {
	matches := conflictPathRe.FindAllStringSubmatch(output, -1)
	paths := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths
}
