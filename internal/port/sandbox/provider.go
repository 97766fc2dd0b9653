// Package sandbox defines the remote sandbox provider port.
package sandbox

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one entry under the sandbox filesystem.
type FileInfo struct {
	Path  string
	IsDir bool
	Size  int64
}

// CommandResult holds the outcome of a command run inside a sandbox.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is a live remote workspace owned by exactly one attempt.
type Sandbox interface {
	ID() string
	// ListFiles enumerates the immediate entries of dir.
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)
	// ReadFile streams the file at path.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// RunCommand executes cmd in cwd with the given env and timeout.
	RunCommand(ctx context.Context, cmd, cwd string, env map[string]string, timeout time.Duration) (*CommandResult, error)
	// Close tears the sandbox down. Idempotent.
	Close(ctx context.Context) error
}

// CreateOptions configures sandbox provisioning.
type CreateOptions struct {
	Template string
	Timeout  time.Duration
}

// Provider provisions and reconnects sandboxes. Errors carry a
// classifiable message string for the transient-retry predicate.
type Provider interface {
	CreateSandbox(ctx context.Context, opts CreateOptions) (Sandbox, error)
	ConnectSandbox(ctx context.Context, id string) (Sandbox, error)
}
