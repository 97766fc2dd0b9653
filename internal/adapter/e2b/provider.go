// Package e2b implements the sandbox provider port against the e2b
// sandbox HTTP API.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/port/sandbox"
)

const defaultAPIURL = "https://api.e2b.dev"

// Provider creates and reconnects e2b sandboxes over the control API.
type Provider struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	// streamClient has no client timeout; file streams are bounded by the
	// request context instead.
	streamClient *http.Client
}

// NewProvider creates an e2b Provider from config.
func NewProvider(cfg config.E2B) *Provider {
	return &Provider{
		apiURL: defaultAPIURL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

type createSandboxRequest struct {
	TemplateID string `json:"templateID"`
	TimeoutSec int64  `json:"timeout"`
}

type sandboxInfo struct {
	SandboxID string `json:"sandboxID"`
	ClientID  string `json:"clientID"`
	State     string `json:"state"`
}

// CreateSandbox provisions a fresh sandbox from the template.
func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	body, err := json.Marshal(createSandboxRequest{
		TemplateID: opts.Template,
		TimeoutSec: int64(opts.Timeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("e2b: marshal create: %w", err)
	}

	var info sandboxInfo
	if err := p.doJSON(ctx, http.MethodPost, "/sandboxes", body, &info); err != nil {
		return nil, fmt.Errorf("e2b: create sandbox: %w", err)
	}
	if info.SandboxID == "" {
		return nil, fmt.Errorf("e2b: create sandbox: empty sandbox id")
	}
	return p.newSandbox(info), nil
}

// ConnectSandbox attaches to an existing sandbox by id. Expired or killed
// sandboxes return an error so the caller recreates.
func (p *Provider) ConnectSandbox(ctx context.Context, id string) (sandbox.Sandbox, error) {
	var info sandboxInfo
	if err := p.doJSON(ctx, http.MethodGet, "/sandboxes/"+id, nil, &info); err != nil {
		return nil, fmt.Errorf("e2b: connect sandbox %s: %w", id, err)
	}
	if info.State != "running" {
		return nil, fmt.Errorf("e2b: sandbox %s is %s", id, info.State)
	}
	return p.newSandbox(info), nil
}

func (p *Provider) newSandbox(info sandboxInfo) *Sandbox {
	return &Sandbox{
		id:       info.SandboxID,
		envdURL:  fmt.Sprintf("https://49983-%s-%s.e2b.app", info.SandboxID, info.ClientID),
		provider: p,
	}
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	data, err := p.do(ctx, p.httpClient, method, p.apiURL+path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (p *Provider) do(ctx context.Context, client *http.Client, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256))
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
