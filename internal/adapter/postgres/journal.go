package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeops/agentd/internal/domain/event"
)

// appendRetries bounds the seq collision loop in Append. Two appenders
// racing on the same run both compute max(seq)+1; the loser retries.
const appendRetries = 5

// Journal implements journal.Journal using PostgreSQL (append-only).
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a new Journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Append assigns seq = max(seq)+1 for the run inside the INSERT itself and
// retries unique-key collisions with a fresh max.
func (j *Journal) Append(ctx context.Context, runID string, typ event.Type, payload json.RawMessage) (int64, int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var lastErr error
	for range appendRetries {
		var id, seq int64
		err := j.pool.QueryRow(ctx,
			`INSERT INTO events (run_id, seq, type, payload)
			 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = $1), $2, $3)
			 RETURNING id, seq`,
			runID, string(typ), payload).Scan(&id, &seq)
		if err == nil {
			return id, seq, nil
		}
		if !isUniqueViolation(err, "") {
			return 0, 0, fmt.Errorf("append event: %w", err)
		}
		lastErr = err
	}
	return 0, 0, fmt.Errorf("append event: seq contention after %d retries: %w", appendRetries, lastErr)
}

const eventColumns = `id, run_id, seq, type, payload, ts`

func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.Event) error {
	return scanner.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Type, &ev.Payload, &ev.TS)
}

// ListAfter returns events with id > afterID ordered by id ascending.
// Because ids are assigned in insertion order, readers that page with the
// last seen id observe a prefix-consistent view.
func (j *Journal) ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := j.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM events WHERE run_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, eventColumns),
		runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after %d: %w", afterID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// List back-pages through a run's events ordered by id ascending.
func (j *Journal) List(ctx context.Context, runID string, limit, offset int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := j.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM events WHERE run_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`, eventColumns),
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
