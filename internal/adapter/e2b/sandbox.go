package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/forgeops/agentd/internal/port/sandbox"
)

// Sandbox talks to one live sandbox through its envd file and command
// endpoints.
type Sandbox struct {
	id       string
	envdURL  string
	provider *Provider
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

type fileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
	Size int64  `json:"size"`
}

// ListFiles enumerates the immediate entries of dir.
func (s *Sandbox) ListFiles(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	data, err := s.provider.do(ctx, s.provider.httpClient, http.MethodGet,
		s.envdURL+"/files?path="+url.QueryEscape(dir), nil)
	if err != nil {
		return nil, fmt.Errorf("e2b: list %s: %w", dir, err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("e2b: list %s: %w", dir, err)
	}

	infos := make([]sandbox.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, sandbox.FileInfo{
			Path:  e.Path,
			IsDir: e.Type == "dir",
			Size:  e.Size,
		})
	}
	return infos, nil
}

// ReadFile streams the file at path. The caller closes the reader.
func (s *Sandbox) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.envdURL+"/files/content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", s.provider.apiKey)

	resp, err := s.provider.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("e2b: read %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("e2b: read %s: status %d: %s", path, resp.StatusCode, data)
	}
	return resp.Body, nil
}

type commandRequest struct {
	Cmd        string            `json:"cmd"`
	Cwd        string            `json:"cwd,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`
	TimeoutSec int64             `json:"timeout,omitempty"`
}

type commandResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunCommand executes cmd in the sandbox and waits for completion.
func (s *Sandbox) RunCommand(ctx context.Context, cmd, cwd string, env map[string]string, timeout time.Duration) (*sandbox.CommandResult, error) {
	body, err := json.Marshal(commandRequest{
		Cmd:        cmd,
		Cwd:        cwd,
		Envs:       env,
		TimeoutSec: int64(timeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("e2b: marshal command: %w", err)
	}

	// Commands outlive the control-plane client timeout.
	client := &http.Client{Timeout: timeout + 30*time.Second}
	data, err := s.provider.do(ctx, client, http.MethodPost, s.envdURL+"/commands", body)
	if err != nil {
		return nil, fmt.Errorf("e2b: run command: %w", err)
	}

	var res commandResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("e2b: run command: %w", err)
	}
	return &sandbox.CommandResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

// Close kills the sandbox. A sandbox that already expired is not an error.
func (s *Sandbox) Close(ctx context.Context) error {
	_, err := s.provider.do(ctx, s.provider.httpClient, http.MethodDelete,
		s.provider.apiURL+"/sandboxes/"+s.id, nil)
	if err != nil && !bytes.Contains([]byte(err.Error()), []byte("status 404")) {
		return fmt.Errorf("e2b: close sandbox %s: %w", s.id, err)
	}
	return nil
}
