package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// Job is one unit of queued work: an inbound webhook payload (or an internal
// kick) bound to a thread.
type Job struct {
	ID        uuid.UUID
	StateID   string
	EventName string
	Payload   json.RawMessage
	Attempts  int
}

// jobLease must exceed the worker's per-job timeout so a second worker cannot
// claim a job whose lease expired while the first is still processing.
const jobLease = 60 * time.Second

// Queue is the durable task queue backing webhook processing. Delivery is
// at-least-once: a worker crash after processing but before CompleteJob
// re-runs the job once its lease expires.
//
// The claim path enforces at most one in-flight job per state ID: committed
// running jobs are excluded by the claim query, and a per-state advisory lock
// taken inside the claim transaction covers the window where a competing
// claimer's running-status update is not yet visible. That per-key
// serialization is the system's only ordering guarantee and is what makes the
// lock-free read-modify-write in ThreadStore acceptable.
type Queue struct {
	db          *DB
	maxAttempts int
}

// NewQueue creates a Queue. maxAttempts bounds retries before a job is
// dead-lettered.
func NewQueue(db *DB, maxAttempts int) *Queue {
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// Enqueue adds a job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, stateID, eventName string, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal job payload: %w", err)
	}

	id := uuid.New()
	_, err = q.db.pool.Exec(ctx,
		`INSERT INTO webhook_jobs (id, state_id, event_name, payload, status)
		 VALUES ($1, $2, $3, $4, 'pending')`,
		id, stateID, eventName, raw,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: enqueue job: %w", err)
	}
	return id, nil
}

// ClaimJobs atomically claims up to limit runnable jobs. A job is runnable
// when it is pending, unleased, under the attempt cap, and no other job for
// the same state ID is currently running. At most one job per state ID is
// returned per batch; a state another claimer holds mid-transaction is
// skipped until the next poll. Deadlocks between competing claimers are
// retried.
func (q *Queue) ClaimJobs(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		jobs, err = q.claimJobs(ctx, limit)
		return err
	})
	return jobs, err
}

func (q *Queue) claimJobs(ctx context.Context, limit int) ([]Job, error) {
	tx, err := q.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, state_id, event_name, payload, attempts
		 FROM webhook_jobs j
		 WHERE j.status = 'pending'
		   AND (j.locked_until IS NULL OR j.locked_until < now())
		   AND j.attempts < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM webhook_jobs r
		     WHERE r.state_id = j.state_id
		       AND r.status = 'running'
		       AND r.locked_until > now()
		   )
		 ORDER BY j.created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		q.maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select runnable jobs: %w", err)
	}

	var candidates []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.StateID, &j.EventName, &j.Payload, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate jobs: %w", err)
	}
	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}

	// Keep only the oldest job per state ID; siblings stay pending and become
	// runnable once this one completes.
	seen := make(map[string]bool, len(candidates))
	jobs := candidates[:0]
	for _, j := range candidates {
		if seen[j.StateID] {
			continue
		}
		seen[j.StateID] = true
		jobs = append(jobs, j)
	}

	// The NOT EXISTS guard only sees committed rows: two transactions claiming
	// at once could each mark a different job running for the same state. The
	// advisory lock, held until commit, is what the competing claim actually
	// conflicts on; a state we cannot lock is claimed on a later poll instead.
	kept := jobs[:0]
	for _, j := range jobs {
		var locked bool
		if err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock(hashtext($1))`, j.StateID,
		).Scan(&locked); err != nil {
			return nil, fmt.Errorf("storage: lock state %s: %w", j.StateID, err)
		}
		if locked {
			kept = append(kept, j)
		}
	}
	jobs = kept
	if len(jobs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE webhook_jobs
		 SET status = 'running', attempts = attempts + 1, locked_until = now() + $2::interval, updated_at = now()
		 WHERE id = ANY($1)`,
		ids, jobLease.String(),
	); err != nil {
		return nil, fmt.Errorf("storage: mark jobs running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}

	for i := range jobs {
		jobs[i].Attempts++
	}
	return jobs, nil
}

// CompleteJob marks a job done.
func (q *Queue) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.pool.Exec(ctx,
		`UPDATE webhook_jobs SET status = 'done', locked_until = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: complete job %s: %w", id, err)
	}
	return nil
}

// FailJob records a failure. Jobs under the attempt cap return to pending
// with an exponential-backoff lease (capped at 5 minutes); exhausted jobs are
// dead-lettered.
func (q *Queue) FailJob(ctx context.Context, id uuid.UUID, jobErr error) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := q.db.pool.Exec(ctx,
		`UPDATE webhook_jobs
		 SET status = CASE WHEN attempts >= $2 THEN 'dead' ELSE 'pending' END,
		     last_error = $3,
		     locked_until = now() + LEAST(POWER(2, attempts), 300) * interval '1 second',
		     updated_at = now()
		 WHERE id = $1`,
		id, q.maxAttempts, msg,
	)
	if err != nil {
		return fmt.Errorf("storage: fail job %s: %w", id, err)
	}
	return nil
}

// Stats returns pending and dead-letter counts.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	err := q.db.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'dead')
		 FROM webhook_jobs`,
	).Scan(&stats.Pending, &stats.Dead)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("storage: queue stats: %w", err)
	}
	return stats, nil
}

// CleanupDone removes completed jobs and week-old dead letters. Called
// periodically by the worker.
func (q *Queue) CleanupDone(ctx context.Context) (int64, error) {
	tag, err := q.db.pool.Exec(ctx,
		`DELETE FROM webhook_jobs
		 WHERE (status = 'done' AND updated_at < now() - interval '1 hour')
		    OR (status = 'dead' AND updated_at < now() - interval '7 days')`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
