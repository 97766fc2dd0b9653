package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/job"
	"github.com/forgeops/agentd/internal/domain/message"
	"github.com/forgeops/agentd/internal/domain/pricing"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/messagequeue"
)

// stubStore implements database.Store with not-found defaults so mocks
// only override what a test exercises.
type stubStore struct{}

func (stubStore) CreateRun(context.Context, run.CreateRequest) (*run.Run, bool, error) {
	return nil, false, domain.ErrNotFound
}

func (stubStore) GetRun(context.Context, string) (*run.Run, error) {
	return nil, domain.ErrNotFound
}

func (stubStore) GetRunInProject(context.Context, string, string) (*run.Run, error) {
	return nil, domain.ErrNotFound
}

func (stubStore) GetLatestWritableRun(context.Context, string) (*run.Run, error) {
	return nil, domain.ErrNotFound
}

func (stubStore) ClaimRunForExecution(context.Context, string) (bool, error) { return false, nil }

func (stubStore) GetJob(context.Context, string) (*job.Job, error) {
	return nil, domain.ErrNotFound
}

func (stubStore) SetRunExecutionAttempt(context.Context, string, int, int) error { return nil }
func (stubStore) SetRunSandboxID(context.Context, string, string) error          { return nil }

func (stubStore) SetRunWorkspaceBackend(context.Context, string, run.WorkspaceBackend) error {
	return nil
}

func (stubStore) UpdateRunStatus(context.Context, string, run.Status) error { return nil }

func (stubStore) CompleteRun(context.Context, string, string, run.CompleteMeta) error {
	return nil
}

func (stubStore) FailRun(context.Context, string, string) error { return nil }

func (stubStore) CancelRun(context.Context, string) (bool, error) {
	return false, domain.ErrNotFound
}

func (stubStore) QueueRunForRetry(context.Context, string) error { return nil }
func (stubStore) MarkJobSucceeded(context.Context, string) error { return nil }
func (stubStore) MarkJobCancelled(context.Context, string) error { return nil }

func (stubStore) MarkJobFailed(context.Context, string, int, time.Duration) error { return nil }

func (stubStore) RequeueStaleRunningJobs(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func (stubStore) ListRunnableQueuedJobRunIDs(context.Context, int, time.Duration) ([]string, error) {
	return nil, nil
}

func (stubStore) CreateArtifact(context.Context, *artifact.Artifact) error { return nil }

func (stubStore) ListArtifacts(context.Context, string) ([]artifact.Artifact, error) {
	return nil, nil
}

func (stubStore) AddMessage(context.Context, *message.Message) error { return nil }

func (stubStore) ListMessages(context.Context, string, string) ([]message.Message, error) {
	return nil, nil
}

func (stubStore) GetModelPricing(context.Context, string, string) (*pricing.ModelPricing, error) {
	return nil, domain.ErrNotFound
}

// fakeRunStore backs the RunService tests with just enough run and job
// state for create, cancel and the read models.
type fakeRunStore struct {
	stubStore
	mu            sync.Mutex
	runs          map[string]*run.Run
	byKey         map[string]string // projectID+"/"+idempotencyKey -> run id
	messages      []message.Message
	jobsCancelled int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]*run.Run{}, byKey: map[string]string{}}
}

func (f *fakeRunStore) CreateRun(_ context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.IdempotencyKey != "" {
		if id, ok := f.byKey[req.ProjectID+"/"+req.IdempotencyKey]; ok {
			cp := *f.runs[id]
			return &cp, false, nil
		}
	}
	id := "run-" + req.ProjectID
	r := &run.Run{
		ID:          id,
		ProjectID:   req.ProjectID,
		Prompt:      req.Prompt,
		Status:      run.StatusQueued,
		MaxAttempts: req.MaxAttempts,
	}
	f.runs[id] = r
	if req.IdempotencyKey != "" {
		f.byKey[req.ProjectID+"/"+req.IdempotencyKey] = id
	}
	cp := *r
	return &cp, true, nil
}

func (f *fakeRunStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRunStore) GetLatestWritableRun(_ context.Context, projectID string) (*run.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ProjectID == projectID && r.Status != run.StatusError {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRunStore) CancelRun(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
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

func (f *fakeRunStore) MarkJobCancelled(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobsCancelled++
	return nil
}

func (f *fakeRunStore) AddMessage(_ context.Context, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *m)
	return nil
}

// countingQueue records publishes to runs.requested.
type countingQueue struct {
	mu        sync.Mutex
	published []messagequeue.RunRequestedPayload
}

func (q *countingQueue) Publish(_ context.Context, _ string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p messagequeue.RunRequestedPayload
	_ = json.Unmarshal(data, &p)
	q.published = append(q.published, p)
	return nil
}

func (q *countingQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *countingQueue) Drain() error      { return nil }
func (q *countingQueue) Close() error      { return nil }
func (q *countingQueue) IsConnected() bool { return true }

func (q *countingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

// countingJournal records appends in order.
type countingJournal struct {
	mu     sync.Mutex
	events []event.Event
}

func (j *countingJournal) Append(_ context.Context, runID string, typ event.Type, payload json.RawMessage) (int64, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := int64(len(j.events) + 1)
	j.events = append(j.events, event.Event{ID: id, RunID: runID, Seq: id, Type: typ, Payload: payload})
	return id, id, nil
}

func (j *countingJournal) ListAfter(_ context.Context, runID string, afterID int64, _ int) ([]event.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []event.Event
	for _, ev := range j.events {
		if ev.RunID == runID && ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *countingJournal) List(ctx context.Context, runID string, _, _ int) ([]event.Event, error) {
	return j.ListAfter(ctx, runID, 0, 0)
}

func (j *countingJournal) statusValues() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, ev := range j.events {
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

// pricingStore serves one pricing row and counts lookups.
type pricingStore struct {
	stubStore
	mu      sync.Mutex
	row     *pricing.ModelPricing
	lookups int
}

func (p *pricingStore) GetModelPricing(_ context.Context, provider, model string) (*pricing.ModelPricing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.row == nil || p.row.Provider != provider || p.row.Model != model {
		return nil, domain.ErrNotFound
	}
	cp := *p.row
	return &cp, nil
}
