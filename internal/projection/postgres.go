package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/renraku/internal/model"
)

// Postgres projects thread events into the thread_events table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres projection over the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateThread is a no-op for the relational read model: rows are keyed by
// state_id directly, so there is nothing to pre-create. Kept on the interface
// because document-store implementations need the hook.
func (p *Postgres) CreateThread(ctx context.Context, stateID, userID string) error {
	return nil
}

// AppendEvent inserts one projected event row.
func (p *Postgres) AppendEvent(ctx context.Context, stateID string, e model.Event, userID string) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("projection: marshal event data: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO thread_events (state_id, operation_id, event_type, data, user_id)
		 VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''))`,
		stateID, OperationIDOf(e), e.Type, raw, userID,
	)
	if err != nil {
		return fmt.Errorf("projection: append event: %w", err)
	}
	return nil
}

// UpdateEvent patches the row matching (stateID, operationID). The returned
// bool reports whether any row matched; false with a nil error means the
// original event was never projected and the caller should append instead.
func (p *Postgres) UpdateEvent(ctx context.Context, stateID, operationID string, e model.Event) (bool, error) {
	if operationID == "" {
		return false, nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return false, fmt.Errorf("projection: marshal event data: %w", err)
	}

	// A row that already reached a terminal status is matched but preserved
	// when the patch would drag it back to queued/in_progress. Terminal states
	// are final; a late Start for an already-completed operation must not
	// reopen it.
	tag, err := p.pool.Exec(ctx,
		`UPDATE thread_events
		 SET event_type = CASE WHEN data->>'status' IN ('succeeded', 'failed')
		                        AND $4::jsonb->>'status' IN ('queued', 'in_progress')
		                       THEN event_type ELSE $3 END,
		     data = CASE WHEN data->>'status' IN ('succeeded', 'failed')
		                  AND $4::jsonb->>'status' IN ('queued', 'in_progress')
		                 THEN data ELSE $4::jsonb END,
		     updated_at = now()
		 WHERE state_id = $1 AND operation_id = $2`,
		stateID, operationID, e.Type, raw,
	)
	if err != nil {
		return false, fmt.Errorf("projection: update event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EventsByState returns the projected events for a thread in append order.
// When the patch-then-append race has produced duplicate rows for one
// operation ID, only the newest row per operation is returned, so duplicate
// terminal events are invisible to readers.
func (p *Postgres) EventsByState(ctx context.Context, stateID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT ON (COALESCE(operation_id, id::text))
		   id, state_id, operation_id, event_type, data, created_at, updated_at
		 FROM thread_events
		 WHERE state_id = $1
		 ORDER BY COALESCE(operation_id, id::text), id DESC
		 LIMIT $2`,
		stateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("projection: query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r    EventRow
			opID *string
			raw  []byte
		)
		if err := rows.Scan(&r.ID, &r.StateID, &opID, &r.EventType, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("projection: scan event: %w", err)
		}
		if opID != nil {
			r.OperationID = *opID
		}
		if len(raw) > 0 {
			var data any
			if err := json.Unmarshal(raw, &data); err == nil {
				r.Data = data
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: iterate events: %w", err)
	}

	// DISTINCT ON orders by the dedup key; restore append order for readers.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
