// Package gitlocal implements the host post-commit hook via the git CLI.
package gitlocal

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/agentcore"
)

// Hook commits host-workspace changes after a successful run. Outcomes
// never fail the run; they surface as status events only.
type Hook struct {
	workspacePath string
}

// NewHook creates a Hook rooted at the given workspace path.
func NewHook(workspacePath string) *Hook {
	return &Hook{workspacePath: workspacePath}
}

// Commit stages everything and commits with the run id in the message.
// A clean tree is a skip, not an error.
func (h *Hook) Commit(ctx context.Context, runID string, backend run.WorkspaceBackend) agentcore.CommitResult {
	if backend != run.BackendHost {
		return agentcore.CommitResult{OK: true, Skipped: true}
	}

	status, err := h.git(ctx, "status", "--porcelain")
	if err != nil {
		return agentcore.CommitResult{Error: err.Error()}
	}
	if strings.TrimSpace(status) == "" {
		return agentcore.CommitResult{OK: true, Skipped: true}
	}

	if _, err := h.git(ctx, "add", "-A"); err != nil {
		return agentcore.CommitResult{Error: err.Error()}
	}
	if _, err := h.git(ctx, "commit", "-m", "agent run "+runID); err != nil {
		return agentcore.CommitResult{Error: err.Error()}
	}

	sha, err := h.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return agentcore.CommitResult{Error: err.Error()}
	}
	return agentcore.CommitResult{OK: true, CommitSHA: strings.TrimSpace(sha)}
}

func (h *Hook) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = h.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
