package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/job"
	"github.com/forgeops/agentd/internal/domain/message"
	"github.com/forgeops/agentd/internal/domain/pricing"
	"github.com/forgeops/agentd/internal/domain/run"
)

// createRunRetries bounds the run_index race loop in CreateRun.
const createRunRetries = 3

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runs ---

const runColumns = `id, project_id, COALESCE(parent_run_id::text, ''), run_index, COALESCE(idempotency_key, ''),
	prompt, input, provider, model, workspace_backend, status, attempt, max_attempts,
	COALESCE(sandbox_id, ''), output, error, usage, duration_ms, cost_currency,
	COALESCE(estimated_cost_usd, 0), COALESCE(pricing_version, ''),
	created_at, started_at, completed_at, updated_at`

func scanRun(scanner interface{ Scan(dest ...any) error }) (run.Run, error) {
	var r run.Run
	var usageJSON []byte
	err := scanner.Scan(
		&r.ID, &r.ProjectID, &r.ParentRunID, &r.RunIndex, &r.IdempotencyKey,
		&r.Prompt, &r.Input, &r.Provider, &r.Model, &r.WorkspaceBackend,
		&r.Status, &r.Attempt, &r.MaxAttempts,
		&r.SandboxID, &r.Output, &r.Error, &usageJSON, &r.DurationMS, &r.CostCurrency,
		&r.EstimatedCostUSD, &r.PricingVersion,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		return run.Run{}, err
	}
	if len(usageJSON) > 0 {
		var u run.Usage
		if err := json.Unmarshal(usageJSON, &u); err != nil {
			return run.Run{}, fmt.Errorf("unmarshal usage: %w", err)
		}
		r.Usage = &u
	}
	return r, nil
}

// CreateRun inserts run + job + the initial queued event in one transaction.
// When the (project, idempotency key) pair already has a run, that run is
// returned with created=false and nothing is written.
func (s *Store) CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	for attempt := 0; ; attempt++ {
		r, created, err := s.tryCreateRun(ctx, req)
		if err == nil {
			return r, created, nil
		}
		// A concurrent create with the same key wins the unique index;
		// return its row instead of failing.
		if isUniqueViolation(err, "runs_project_idem_key") && req.IdempotencyKey != "" {
			existing, lookupErr := s.getRunByIdempotencyKey(ctx, req.ProjectID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		// run_index races retry with a fresh MAX()+1.
		if isUniqueViolation(err, "runs_project_id_run_index_key") && attempt < createRunRetries {
			continue
		}
		return nil, false, err
	}
}

func (s *Store) tryCreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		existing, err := s.getRunByIdempotencyKeyTx(ctx, tx, req.ProjectID, req.IdempotencyKey)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	backend := req.WorkspaceBackend
	if backend == "" {
		backend = run.BackendHost
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO runs (project_id, parent_run_id, run_index, idempotency_key, prompt, input, provider, model, workspace_backend, max_attempts)
		 VALUES ($1, $2, COALESCE((SELECT MAX(run_index) FROM runs WHERE project_id = $1), 0) + 1, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING %s`, runColumns),
		req.ProjectID, nullIfEmpty(req.ParentRunID), nullIfEmpty(req.IdempotencyKey),
		req.Prompt, req.Input, req.Provider, req.Model, string(backend), maxAttempts)

	r, err := scanRun(row)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (run_id, status, max_attempts) VALUES ($1, 'queued', $2)`,
		r.ID, maxAttempts); err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (run_id, seq, type, payload) VALUES ($1, 1, $2, $3)`,
		r.ID, string(event.TypeStatus), event.StatusPayload(event.StatusQueued, nil)); err != nil {
		return nil, false, fmt.Errorf("create queued event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create run: %w", err)
	}
	return &r, true, nil
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, projectID, key string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE project_id = $1 AND idempotency_key = $2`, runColumns),
		projectID, key)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run by idempotency key: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("run by idempotency key: %w", err)
	}
	return &r, nil
}

func (s *Store) getRunByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, projectID, key string) (*run.Run, error) {
	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE project_id = $1 AND idempotency_key = $2`, runColumns),
		projectID, key)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("run by idempotency key: %w", err)
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1`, runColumns), id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) GetRunInProject(ctx context.Context, projectID, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1 AND project_id = $2`, runColumns), id, projectID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s in project %s: %w", id, projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s in project %s: %w", id, projectID, err)
	}
	return &r, nil
}

// GetLatestWritableRun returns the newest run of the project that has not
// terminally failed, used to thread continuation messages.
func (s *Store) GetLatestWritableRun(ctx context.Context, projectID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE project_id = $1 AND status <> 'error'
		 ORDER BY created_at DESC LIMIT 1`, runColumns), projectID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest writable run for %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("latest writable run for %s: %w", projectID, err)
	}
	return &r, nil
}

// ClaimRunForExecution promotes the job queued→running iff it is still
// queued and the run is not terminal. The single conditional UPDATE makes
// exactly one of any number of racing workers win.
func (s *Store) ClaimRunForExecution(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs j SET status = 'running', updated_at = now()
		 FROM runs r
		 WHERE j.run_id = $1 AND r.id = j.run_id
		   AND j.status = 'queued' AND j.next_run_at <= now()
		   AND r.status NOT IN ('completed', 'error', 'cancelled')`,
		runID)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetJob(ctx context.Context, runID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, status, attempts, max_attempts, next_run_at, updated_at
		 FROM jobs WHERE run_id = $1`, runID)
	var j job.Job
	if err := row.Scan(&j.RunID, &j.Status, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", runID, err)
	}
	return &j, nil
}

func (s *Store) SetRunExecutionAttempt(ctx context.Context, runID string, attempt, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET attempt = $2, max_attempts = $3, updated_at = now() WHERE id = $1`,
		runID, attempt, maxAttempts)
	if err != nil {
		return fmt.Errorf("set run attempt %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run attempt %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRunSandboxID(ctx context.Context, runID, sandboxID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET sandbox_id = $2, updated_at = now() WHERE id = $1`,
		runID, nullIfEmpty(sandboxID))
	if err != nil {
		return fmt.Errorf("set run sandbox %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run sandbox %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRunWorkspaceBackend(ctx context.Context, runID string, backend run.WorkspaceBackend) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET workspace_backend = $2, updated_at = now() WHERE id = $1`,
		runID, string(backend))
	if err != nil {
		return fmt.Errorf("set run backend %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run backend %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// UpdateRunStatus applies a status transition under the state-machine
// guard; invalid moves return domain.ErrInvalidTransition.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status run.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current run.Status
	if err := tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update run status %s: %w", runID, domain.ErrNotFound)
		}
		return fmt.Errorf("update run status %s: %w", runID, err)
	}
	if current == status {
		return tx.Commit(ctx)
	}
	if !run.CanTransition(current, status) {
		return fmt.Errorf("update run status %s: %s -> %s: %w", runID, current, status, domain.ErrInvalidTransition)
	}

	q := `UPDATE runs SET status = $2, updated_at = now() WHERE id = $1`
	if status == run.StatusRunning {
		q = `UPDATE runs SET status = $2, started_at = COALESCE(started_at, now()), updated_at = now() WHERE id = $1`
	}
	if _, err := tx.Exec(ctx, q, runID, string(status)); err != nil {
		return fmt.Errorf("update run status %s: %w", runID, err)
	}
	return tx.Commit(ctx)
}

// CompleteRun finalizes a running run. Usage is only ever written here.
func (s *Store) CompleteRun(ctx context.Context, runID, output string, meta run.CompleteMeta) error {
	var usageJSON []byte
	if meta.Usage != nil {
		var err error
		usageJSON, err = json.Marshal(meta.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', output = $2, provider = $3, model = $4,
		 usage = $5, duration_ms = $6, estimated_cost_usd = $7, pricing_version = $8,
		 completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		runID, output, meta.Provider, meta.Model, usageJSON, meta.DurationMS,
		meta.EstimatedCostUSD, nullIfEmpty(meta.PricingVersion))
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) FailRun(ctx context.Context, runID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'error', error = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`, runID, errMsg)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail run %s: %w", runID, domain.ErrInvalidTransition)
	}
	return nil
}

// CancelRun moves {queued, running}→cancelled; already-cancelled is a
// no-op. changed reports whether this call performed the transition.
func (s *Store) CancelRun(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', completed_at = COALESCE(completed_at, now()), updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'running')`, runID)
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish idempotent re-cancel from missing / terminal runs.
	var status run.Status
	if err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("cancel run %s: %w", runID, domain.ErrNotFound)
		}
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if status == run.StatusCancelled {
		return false, nil
	}
	return false, fmt.Errorf("cancel run %s from %s: %w", runID, status, domain.ErrInvalidTransition)
}

func (s *Store) QueueRunForRetry(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'queued', updated_at = now()
		 WHERE id = $1 AND status = 'running'`, runID)
	if err != nil {
		return fmt.Errorf("queue run for retry %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue run for retry %s: %w", runID, domain.ErrInvalidTransition)
	}
	return nil
}

// --- Jobs ---

func (s *Store) MarkJobSucceeded(ctx context.Context, runID string) error {
	return s.setJobStatus(ctx, runID, job.StatusSucceeded)
}

func (s *Store) MarkJobCancelled(ctx context.Context, runID string) error {
	return s.setJobStatus(ctx, runID, job.StatusCancelled)
}

func (s *Store) setJobStatus(ctx context.Context, runID string, status job.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = now() WHERE run_id = $1`,
		runID, string(status))
	if err != nil {
		return fmt.Errorf("set job status %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set job status %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// MarkJobFailed records the failed attempt: back to queued with a delayed
// nextRunAt while budget remains, terminally failed otherwise.
func (s *Store) MarkJobFailed(ctx context.Context, runID string, attempts int, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET attempts = $2,
		   status = CASE WHEN $2 < max_attempts THEN 'queued' ELSE 'failed' END,
		   next_run_at = CASE WHEN $2 < max_attempts THEN now() + make_interval(secs => $3) ELSE next_run_at END,
		   updated_at = now()
		 WHERE run_id = $1`,
		runID, attempts, delay.Seconds())
	if err != nil {
		return fmt.Errorf("mark job failed %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job failed %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// RequeueStaleRunningJobs reclaims jobs whose holder died mid-attempt:
// both job and run flip back to queued in one statement.
func (s *Store) RequeueStaleRunningJobs(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`WITH stale AS (
		   UPDATE jobs SET status = 'queued', next_run_at = now(), updated_at = now()
		   WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)
		   RETURNING run_id
		 )
		 UPDATE runs SET status = 'queued', updated_at = now()
		 WHERE id IN (SELECT run_id FROM stale) AND status = 'running'
		 RETURNING id::text`,
		staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("requeue stale running jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListRunnableQueuedJobRunIDs(ctx context.Context, limit int, minAge time.Duration) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	// The age gate is on next_run_at: a job must have been runnable for
	// minAge before the sweep touches it, so the create path's publish and
	// the worker's own retry republish get their shot first. Gating on
	// updated_at would push a short retry backoff out by minAge.
	rows, err := s.pool.Query(ctx,
		`SELECT run_id::text FROM jobs
		 WHERE status = 'queued'
		   AND next_run_at <= now() - make_interval(secs => $2)
		 ORDER BY next_run_at ASC LIMIT $1`,
		limit, minAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list runnable queued jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queued run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Artifacts ---

// CreateArtifact records an artifact row. A repeat capture for the same
// run and name replaces the row rather than adding a second one, matching
// the by-key replacement of the blob itself.
func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, name, path, mime, size)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, name) DO UPDATE
		   SET path = EXCLUDED.path, mime = EXCLUDED.mime, size = EXCLUDED.size
		 RETURNING id, created_at`,
		a.RunID, a.Name, a.Path, a.MIME, a.Size)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, path, mime, size, created_at
		 FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []artifact.Artifact
	for rows.Next() {
		var a artifact.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.MIME, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// --- Messages ---

func (s *Store) AddMessage(ctx context.Context, m *message.Message) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (project_id, run_id, role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		m.ProjectID, m.RunID, string(m.Role), m.Content)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, projectID, runID string) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, run_id, role, content, created_at
		 FROM messages WHERE project_id = $1 AND run_id = $2 ORDER BY created_at ASC`,
		projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.RunID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Pricing ---

func (s *Store) GetModelPricing(ctx context.Context, provider, model string) (*pricing.ModelPricing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT provider, model, input_per_mtok, output_per_mtok, cached_input_per_mtok, version
		 FROM model_pricing WHERE provider = $1 AND model = $2`, provider, model)
	var p pricing.ModelPricing
	if err := row.Scan(&p.Provider, &p.Model, &p.InputPerMTok, &p.OutputPerMTok, &p.CachedInputPerMTok, &p.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("model pricing %s/%s: %w", provider, model, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("model pricing %s/%s: %w", provider, model, err)
	}
	return &p, nil
}
