package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/job"
	"github.com/forgeops/agentd/internal/domain/message"
	"github.com/forgeops/agentd/internal/domain/pricing"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/agentcore"
	"github.com/forgeops/agentd/internal/port/messagequeue"
)

// mockStore is an in-memory database.Store with the claim and transition
// semantics the supervisor depends on.
type mockStore struct {
	mu        sync.Mutex
	runs      map[string]*run.Run
	jobs      map[string]*job.Job
	artifacts []artifact.Artifact
}

func newMockStore() *mockStore {
	return &mockStore{
		runs: map[string]*run.Run{},
		jobs: map[string]*job.Job{},
	}
}

// addQueuedRun seeds a queued run with its job.
func (m *mockStore) addQueuedRun(id string, maxAttempts int) *run.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &run.Run{ID: id, ProjectID: "p1", Prompt: "do it", Status: run.StatusQueued, MaxAttempts: maxAttempts}
	m.runs[id] = r
	m.jobs[id] = &job.Job{RunID: id, Status: job.StatusQueued, MaxAttempts: maxAttempts, NextRunAt: time.Now().Add(-time.Second)}
	return r
}

// makeRunnable clears the retry backoff so the next claim succeeds.
func (m *mockStore) makeRunnable(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].NextRunAt = time.Now().Add(-time.Second)
}

func (m *mockStore) snapshotRun(id string) run.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

func (m *mockStore) snapshotJob(id string) job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *mockStore) CreateRun(_ context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("run-%d", len(m.runs)+1)
	r := &run.Run{ID: id, ProjectID: req.ProjectID, Prompt: req.Prompt, Status: run.StatusQueued, MaxAttempts: req.MaxAttempts}
	m.runs[id] = r
	m.jobs[id] = &job.Job{RunID: id, Status: job.StatusQueued, MaxAttempts: req.MaxAttempts}
	return r, true, nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) GetRunInProject(ctx context.Context, _, id string) (*run.Run, error) {
	return m.GetRun(ctx, id)
}

func (m *mockStore) GetLatestWritableRun(_ context.Context, _ string) (*run.Run, error) {
	return nil, domain.ErrNotFound
}

func (m *mockStore) ClaimRunForExecution(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	r := m.runs[runID]
	if !ok || r == nil {
		return false, nil
	}
	if j.Status != job.StatusQueued || r.Status.Terminal() || j.NextRunAt.After(time.Now()) {
		return false, nil
	}
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockStore) GetJob(_ context.Context, runID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) SetRunExecutionAttempt(_ context.Context, runID string, attempt, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Attempt = attempt
	m.runs[runID].MaxAttempts = maxAttempts
	return nil
}

func (m *mockStore) SetRunSandboxID(_ context.Context, runID, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].SandboxID = sandboxID
	return nil
}

func (m *mockStore) SetRunWorkspaceBackend(_ context.Context, runID string, backend run.WorkspaceBackend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].WorkspaceBackend = backend
	return nil
}

func (m *mockStore) UpdateRunStatus(_ context.Context, runID string, status run.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	if r.Status == status {
		return nil
	}
	if !run.CanTransition(r.Status, status) {
		return domain.ErrInvalidTransition
	}
	r.Status = status
	return nil
}

func (m *mockStore) CompleteRun(_ context.Context, runID, output string, meta run.CompleteMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	if r.Status != run.StatusRunning {
		return domain.ErrInvalidTransition
	}
	r.Status = run.StatusCompleted
	r.Output = output
	r.Usage = meta.Usage
	r.DurationMS = meta.DurationMS
	r.EstimatedCostUSD = meta.EstimatedCostUSD
	r.PricingVersion = meta.PricingVersion
	return nil
}

func (m *mockStore) FailRun(_ context.Context, runID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	if r.Status != run.StatusRunning {
		return domain.ErrInvalidTransition
	}
	r.Status = run.StatusError
	r.Error = errMsg
	return nil
}

func (m *mockStore) CancelRun(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return false, domain.ErrNotFound
	}
	switch r.Status {
	case run.StatusQueued, run.StatusRunning:
		r.Status = run.StatusCancelled
		return true, nil
	case run.StatusCancelled:
		return false, nil
	}
	return false, domain.ErrInvalidTransition
}

func (m *mockStore) QueueRunForRetry(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	if r.Status != run.StatusRunning {
		return domain.ErrInvalidTransition
	}
	r.Status = run.StatusQueued
	return nil
}

func (m *mockStore) MarkJobSucceeded(_ context.Context, runID string) error {
	return m.setJobStatus(runID, job.StatusSucceeded)
}

func (m *mockStore) MarkJobCancelled(_ context.Context, runID string) error {
	return m.setJobStatus(runID, job.StatusCancelled)
}

func (m *mockStore) setJobStatus(runID string, status job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	return nil
}

func (m *mockStore) MarkJobFailed(_ context.Context, runID string, attempts int, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[runID]
	j.Attempts = attempts
	if attempts < j.MaxAttempts {
		j.Status = job.StatusQueued
		j.NextRunAt = time.Now().Add(delay)
	} else {
		j.Status = job.StatusFailed
	}
	return nil
}

func (m *mockStore) RequeueStaleRunningJobs(_ context.Context, staleAfter time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if j.Status == job.StatusRunning && time.Since(j.UpdatedAt) > staleAfter {
			j.Status = job.StatusQueued
			j.NextRunAt = time.Now()
			m.runs[id].Status = run.StatusQueued
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockStore) ListRunnableQueuedJobRunIDs(_ context.Context, limit int, minAge time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if len(ids) >= limit {
			break
		}
		if j.Status == job.StatusQueued && time.Since(j.NextRunAt) >= minAge {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockStore) CreateArtifact(_ context.Context, a *artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.artifacts {
		if existing.RunID == a.RunID && existing.Name == a.Name {
			m.artifacts[i] = *a
			return nil
		}
	}
	m.artifacts = append(m.artifacts, *a)
	return nil
}

func (m *mockStore) ListArtifacts(_ context.Context, runID string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for _, a := range m.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) AddMessage(context.Context, *message.Message) error { return nil }

func (m *mockStore) ListMessages(context.Context, string, string) ([]message.Message, error) {
	return nil, nil
}

func (m *mockStore) GetModelPricing(context.Context, string, string) (*pricing.ModelPricing, error) {
	return nil, domain.ErrNotFound
}

// mockJournal records appended events in order.
type mockJournal struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *mockJournal) Append(_ context.Context, runID string, typ event.Type, payload json.RawMessage) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.events) + 1)
	m.events = append(m.events, event.Event{ID: id, RunID: runID, Seq: id, Type: typ, Payload: payload})
	return id, id, nil
}

func (m *mockJournal) ListAfter(_ context.Context, runID string, afterID int64, _ int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.RunID == runID && ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockJournal) List(ctx context.Context, runID string, _, _ int) ([]event.Event, error) {
	return m.ListAfter(ctx, runID, 0, 0)
}

func (m *mockJournal) byType(typ event.Type) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockJournal) statusValues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.Type != event.TypeStatus {
			continue
		}
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		out = append(out, p.Status)
	}
	return out
}

// mockQueue records published messages.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) publishedRunIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, p := range q.published {
		var payload messagequeue.RunRequestedPayload
		_ = json.Unmarshal(p.data, &payload)
		ids = append(ids, payload.RunID)
	}
	return ids
}

// fakeAgent scripts one result or error per call.
type fakeAgent struct {
	mu      sync.Mutex
	calls   int
	results []fakeAgentCall
}

type fakeAgentCall struct {
	events []agentcore.Event
	result *agentcore.Result
	err    error
}

func (a *fakeAgent) Run(_ context.Context, req agentcore.Request) (*agentcore.Result, error) {
	a.mu.Lock()
	call := a.results[a.calls]
	a.calls++
	a.mu.Unlock()

	for _, ev := range call.events {
		req.OnEvent(ev)
	}
	return call.result, call.err
}

// staticModels resolves to a fixed provider/model.
type staticModels struct{ err error }

func (s staticModels) Resolve(provider, model string) (string, string, string, error) {
	if s.err != nil {
		return "", "", "", s.err
	}
	if provider == "" {
		provider = "anthropic"
	}
	if model == "" {
		model = "claude-sonnet"
	}
	return provider, model, "default", nil
}

// staticCosts prices every run at a fixed cost.
type staticCosts struct {
	cost    float64
	version string
}

func (s staticCosts) Estimate(context.Context, string, string, *run.Usage) (float64, string) {
	return s.cost, s.version
}
