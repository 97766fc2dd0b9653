// Package agentcli implements the agent port by invoking the coding
// agent CLI. On the host backend the CLI runs as a subprocess with its
// NDJSON event stream consumed live; on the e2b backend it runs inside
// the sandbox and the stream is parsed from the captured stdout.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/agentcore"
	"github.com/forgeops/agentd/internal/port/sandbox"
)

// Agent invokes the coding agent CLI for one attempt.
type Agent struct {
	cfg       config.Agent
	sandboxes sandbox.Provider // nil when the e2b backend is not configured
}

// New creates an Agent. sandboxes may be nil when only the host backend
// is used.
func New(cfg config.Agent, sandboxes sandbox.Provider) *Agent {
	return &Agent{cfg: cfg, sandboxes: sandboxes}
}

// streamLine is one NDJSON line emitted by the CLI. Event lines carry
// type/payload; the final line has type "result".
type streamLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	Output      string     `json:"output,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	ModelSource string     `json:"model_source,omitempty"`
	Usage       *run.Usage `json:"usage,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

// Run executes the agent once and returns its result. Cancellation
// surfaces as an error wrapping domain.ErrAborted.
func (a *Agent) Run(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	start := time.Now()

	var res *agentcore.Result
	var err error
	if req.WorkspaceBackend == run.BackendE2B {
		res, err = a.runRemote(ctx, req)
	} else {
		res, err = a.runHost(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent run %s: %w", req.RunID, domain.ErrAborted)
		}
		return nil, err
	}
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(start).Milliseconds()
	}
	return res, nil
}

func (a *Agent) runHost(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.args(req)...)
	cmd.Dir = a.cfg.WorkspacePath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	res, parseErr := consumeStream(scanner, req.OnEvent)

	waitErr := cmd.Wait()
	switch {
	case waitErr != nil:
		return nil, fmt.Errorf("agent exited: %w: %s", waitErr, truncateTail(stderr.String(), 512))
	case parseErr != nil:
		return nil, parseErr
	case res == nil:
		return nil, errors.New("agent stream ended without a result")
	}
	return res, nil
}

func (a *Agent) runRemote(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	if a.sandboxes == nil {
		return nil, errors.New("remote backend requested but no sandbox provider configured")
	}
	sb, err := a.sandboxes.ConnectSandbox(ctx, req.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("connect sandbox: %w", err)
	}

	cmdline := a.cfg.Command + " " + strings.Join(quoteArgs(a.args(req)), " ")
	deadline := 10 * time.Hour
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	out, err := sb.RunCommand(ctx, cmdline, "/home/user/app", nil, deadline)
	if err != nil {
		return nil, fmt.Errorf("run agent in sandbox: %w", err)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("agent exited with code %d: %s", out.ExitCode, truncateTail(out.Stderr, 512))
	}

	// Events arrive after completion on this backend but still in
	// emission order.
	scanner := bufio.NewScanner(strings.NewReader(out.Stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	res, parseErr := consumeStream(scanner, req.OnEvent)
	if parseErr != nil {
		return nil, parseErr
	}
	if res == nil {
		return nil, errors.New("agent stream ended without a result")
	}
	return res, nil
}

// args builds the CLI invocation. The prompt travels as an argument and
// structured input as JSON on the same flag the CLI reads it from.
func (a *Agent) args(req agentcore.Request) []string {
	args := []string{"run", "--output-format", "ndjson", "--prompt", req.Prompt}
	if req.Provider != "" {
		args = append(args, "--provider", req.Provider)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.Input) > 0 {
		args = append(args, "--input", string(req.Input))
	}
	return args
}

// consumeStream forwards event lines to onEvent and returns the trailing
// result line. Unknown line types pass through as events untouched.
func consumeStream(scanner *bufio.Scanner, onEvent agentcore.EventFunc) (*agentcore.Result, error) {
	var res *agentcore.Result
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var sl streamLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			// Agents sometimes interleave plain log lines; skip them.
			continue
		}
		if sl.Type == "result" {
			res = &agentcore.Result{
				Output:      sl.Output,
				Provider:    sl.Provider,
				Model:       sl.Model,
				ModelSource: sl.ModelSource,
				Usage:       sl.Usage,
				DurationMS:  sl.DurationMS,
			}
			continue
		}
		if onEvent != nil {
			onEvent(agentcore.Event{
				Type:    agentcore.EventType(sl.Type),
				Payload: sl.Payload,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read agent stream: %w", err)
	}
	return res, nil
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return quoted
}

func truncateTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
