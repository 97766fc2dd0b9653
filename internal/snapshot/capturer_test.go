package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/port/sandbox"
)

// fakeSandbox serves an in-memory file tree rooted at /home/user/app.
type fakeSandbox struct {
	files map[string]string // path -> content
}

func (f *fakeSandbox) ID() string { return "sbx-test" }

func (f *fakeSandbox) ListFiles(_ context.Context, dir string) ([]sandbox.FileInfo, error) {
	seen := map[string]sandbox.FileInfo{}
	for p, content := range f.files {
		if !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			sub := path.Join(dir, rest[:i])
			seen[sub] = sandbox.FileInfo{Path: sub, IsDir: true}
		} else {
			seen[p] = sandbox.FileInfo{Path: p, Size: int64(len(content))}
		}
	}
	infos := make([]sandbox.FileInfo, 0, len(seen))
	for _, fi := range seen {
		infos = append(infos, fi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, p string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.files[p])), nil
}

func (f *fakeSandbox) RunCommand(context.Context, string, string, map[string]string, time.Duration) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}

func (f *fakeSandbox) Close(context.Context) error { return nil }

type fakeObjects struct {
	puts map[string][]byte
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	return f.puts[key], nil
}

type fakeRecorder struct {
	artifacts []artifact.Artifact
}

func (f *fakeRecorder) CreateArtifact(_ context.Context, a *artifact.Artifact) error {
	f.artifacts = append(f.artifacts, *a)
	return nil
}

func defaultSnapshotConfig() config.Snapshot {
	return config.Snapshot{MaxBytes: 200 << 20, MaxFiles: 2000}
}

func TestCaptureArchivesWorkspace(t *testing.T) {
	sb := &fakeSandbox{files: map[string]string{
		"/home/user/app/main.go":        "package main\n",
		"/home/user/app/src/util.go":    "package src\n",
		"/home/user/app/docs/notes.txt": "notes\n",
	}}
	objects := &fakeObjects{}
	recorder := &fakeRecorder{}
	c := NewCapturer(objects, recorder, defaultSnapshotConfig())

	res, err := c.Capture(context.Background(), "run-1", sb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key != "runs/run-1/workspace.zip" {
		t.Errorf("key = %q, want runs/run-1/workspace.zip", res.Key)
	}
	if res.FileCount != 3 {
		t.Errorf("file count = %d, want 3", res.FileCount)
	}

	data := objects.puts[res.Key]
	if data == nil {
		t.Fatal("no object uploaded")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("uploaded archive unreadable: %v", err)
	}
	// Entries are workspace-relative and sorted.
	want := []string{"docs/notes.txt", "main.go", "src/util.go"}
	if len(zr.File) != len(want) {
		t.Fatalf("archive has %d entries, want %d", len(zr.File), len(want))
	}
	for i, f := range zr.File {
		if f.Name != want[i] {
			t.Errorf("entry %d = %q, want %q", i, f.Name, want[i])
		}
	}

	if len(recorder.artifacts) != 1 {
		t.Fatalf("expected 1 artifact row, got %d", len(recorder.artifacts))
	}
	a := recorder.artifacts[0]
	if a.RunID != "run-1" || a.Name != "workspace.zip" || a.MIME != "application/zip" {
		t.Errorf("unexpected artifact row: %+v", a)
	}
}

func TestCapturePrunesAndDenies(t *testing.T) {
	sb := &fakeSandbox{files: map[string]string{
		"/home/user/app/main.go":                   "package main\n",
		"/home/user/app/node_modules/lib/index.js": "x",
		"/home/user/app/.git/HEAD":                 "ref",
		"/home/user/app/__pycache__/mod.pyc":       "x",
		"/home/user/app/.env":                      "SECRET=1",
		"/home/user/app/.env.production":           "SECRET=2",
		"/home/user/app/deploy/server.pem":         "key",
		"/home/user/app/deploy/id_rsa":             "key",
		"/home/user/app/config/credentials.json":   "creds",
		"/home/user/app/config/settings.json":      "{}",
	}}
	objects := &fakeObjects{}
	c := NewCapturer(objects, &fakeRecorder{}, defaultSnapshotConfig())

	res, err := c.Capture(context.Background(), "run-2", sb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FileCount != 2 {
		t.Fatalf("file count = %d, want 2 (main.go, settings.json)", res.FileCount)
	}

	data := objects.puts[res.Key]
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range zr.File {
		if strings.Contains(f.Name, "node_modules") || strings.Contains(f.Name, ".env") ||
			strings.HasSuffix(f.Name, ".pem") || strings.HasSuffix(f.Name, "id_rsa") {
			t.Errorf("archive contains excluded file %q", f.Name)
		}
	}
}

func TestCaptureEnforcesFileLimit(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 5; i++ {
		files["/home/user/app/f"+string(rune('a'+i))+".txt"] = "x"
	}
	sb := &fakeSandbox{files: files}
	cfg := config.Snapshot{MaxBytes: 1 << 20, MaxFiles: 3}
	c := NewCapturer(&fakeObjects{}, &fakeRecorder{}, cfg)

	if _, err := c.Capture(context.Background(), "run-3", sb); err == nil {
		t.Fatal("expected file-count overrun error")
	}
}

func TestCaptureEnforcesByteLimit(t *testing.T) {
	sb := &fakeSandbox{files: map[string]string{
		"/home/user/app/big.bin": strings.Repeat("a", 2048),
	}}
	cfg := config.Snapshot{MaxBytes: 1024, MaxFiles: 100}
	c := NewCapturer(&fakeObjects{}, &fakeRecorder{}, cfg)

	if _, err := c.Capture(context.Background(), "run-4", sb); err == nil {
		t.Fatal("expected byte-limit overrun error")
	}
}
