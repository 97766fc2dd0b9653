package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/port/objectstore"
	"github.com/forgeops/agentd/internal/port/sandbox"
)

// ArtifactRecorder persists the artifact row after a successful upload.
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, a *artifact.Artifact) error
}

// DefaultAppRoot is where e2b templates place the agent workspace.
const DefaultAppRoot = "/home/user/app"

// prunedDirs are dense directories never worth snapshotting.
var prunedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".svn":         {},
	".hg":          {},
	"dist":         {},
	"build":        {},
	"out":          {},
	".next":        {},
	".nuxt":        {},
	".turbo":       {},
	".cache":       {},
	"coverage":     {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
	"vendor":       {},
	"target":       {},
}

// deniedFile reports whether a file name matches a sensitive pattern.
func deniedFile(name string) bool {
	base := path.Base(name)
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return true
	}
	switch {
	case strings.HasSuffix(base, ".pem"),
		strings.HasSuffix(base, ".key"),
		strings.HasSuffix(base, ".p12"),
		strings.HasSuffix(base, ".pfx"):
		return true
	case base == "id_rsa", base == "id_ed25519", base == "credentials.json":
		return true
	}
	return false
}

// Result describes a captured snapshot.
type Result struct {
	Key       string
	SizeBytes int64
	FileCount int
}

// Capturer zips a sandbox workspace into the artifact bucket.
type Capturer struct {
	objects objectstore.Store
	store   ArtifactRecorder
	cfg     config.Snapshot
	appRoot string
}

// NewCapturer creates a Capturer with the given bounds.
func NewCapturer(objects objectstore.Store, store ArtifactRecorder, cfg config.Snapshot) *Capturer {
	return &Capturer{objects: objects, store: store, cfg: cfg, appRoot: DefaultAppRoot}
}

// Capture enumerates the sandbox workspace, builds the STORED zip and
// uploads it to runs/{runId}/workspace.zip, recording an artifact row.
// Bound overruns fail the capture; callers treat any error as non-fatal
// for the run.
func (c *Capturer) Capture(ctx context.Context, runID string, sb sandbox.Sandbox) (*Result, error) {
	files, err := c.enumerate(ctx, sb, c.appRoot)
	if err != nil {
		return nil, fmt.Errorf("enumerate workspace: %w", err)
	}

	// Deterministic archive: entries ordered by path.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	if len(files) > c.cfg.MaxFiles {
		return nil, fmt.Errorf("workspace has %d files, limit %d", len(files), c.cfg.MaxFiles)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total > c.cfg.MaxBytes {
		return nil, fmt.Errorf("workspace is %d bytes, limit %d", total, c.cfg.MaxBytes)
	}

	zw := NewWriter()
	for _, f := range files {
		rc, err := sb.ReadFile(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		name := strings.TrimPrefix(strings.TrimPrefix(f.Path, c.appRoot), "/")
		err = zw.AddFile(name, rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", f.Path, err)
		}
	}

	data := zw.Close()
	key := artifact.WorkspaceKey(runID)

	if err := c.objects.Put(ctx, key, data, "application/zip"); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	a := &artifact.Artifact{
		RunID: runID,
		Name:  "workspace.zip",
		Path:  key,
		MIME:  "application/zip",
		Size:  int64(len(data)),
	}
	if err := c.store.CreateArtifact(ctx, a); err != nil {
		// The blob is already stored; surface the row failure but log it
		// distinctly since re-capture replaces the blob idempotently.
		slog.Warn("snapshot stored but artifact row failed", "run_id", runID, "error", err)
		return nil, fmt.Errorf("record artifact: %w", err)
	}

	return &Result{Key: key, SizeBytes: int64(len(data)), FileCount: zw.FileCount()}, nil
}

// enumerate walks dir recursively, pruning dense directories and denying
// sensitive files.
func (c *Capturer) enumerate(ctx context.Context, sb sandbox.Sandbox, dir string) ([]sandbox.FileInfo, error) {
	entries, err := sb.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}

	var files []sandbox.FileInfo
	for _, e := range entries {
		if e.IsDir {
			if _, pruned := prunedDirs[path.Base(e.Path)]; pruned {
				continue
			}
			sub, err := c.enumerate(ctx, sb, e.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		if deniedFile(e.Path) {
			continue
		}
		files = append(files, e)
	}
	return files, nil
}
