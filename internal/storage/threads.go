package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renraku/internal/model"
)

// EventSink receives best-effort copies of newly appended events for the
// secondary read model. Implementations must tolerate duplicate writes;
// callers log sink errors and never propagate them.
type EventSink interface {
	CreateThread(ctx context.Context, stateID, userID string) error
	AppendEvent(ctx context.Context, stateID string, e model.Event, userID string) error
}

// ThreadStore persists thread state keyed by an opaque state ID.
//
// The store performs no optimistic or pessimistic locking: a read-modify-write
// race between two callers on the same state ID is last-writer-wins. The job
// queue's per-state-ID claim guard is the serialization that makes this safe;
// see ClaimJobs.
type ThreadStore struct {
	db     *DB
	sink   EventSink // optional; nil disables projection sync
	logger *slog.Logger
}

// NewThreadStore creates a ThreadStore. sink may be nil.
func NewThreadStore(db *DB, sink EventSink, logger *slog.Logger) *ThreadStore {
	return &ThreadStore{db: db, sink: sink, logger: logger}
}

// Save persists a thread. If existingStateID is empty a fresh state ID is
// minted. Metadata.LastProcessedAt is always stamped with the save time.
// As a side effect every event the read model has not seen yet (tracked by a
// per-thread watermark, so multiple appends between saves are not lost) is
// mirrored to the event sink; sink failures are logged and swallowed.
func (s *ThreadStore) Save(ctx context.Context, t model.Thread, md *model.ThreadMetadata, userID, existingStateID string) (string, error) {
	if err := model.ValidateThread(t); err != nil {
		return "", fmt.Errorf("storage: save thread: %w", err)
	}

	stateID := existingStateID
	fresh := stateID == ""
	if fresh {
		stateID = uuid.New().String()
	}

	meta := model.ThreadMetadata{}
	if md != nil {
		meta = *md
	}
	now := time.Now().UTC()
	meta.LastProcessedAt = &now

	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO thread_states (state_id, thread, user_id, job_id, enqueued_at, processing_attempts, last_processed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (state_id) DO UPDATE SET
		   thread = EXCLUDED.thread,
		   user_id = COALESCE(EXCLUDED.user_id, thread_states.user_id),
		   job_id = COALESCE(NULLIF(EXCLUDED.job_id, ''), thread_states.job_id),
		   enqueued_at = COALESCE(EXCLUDED.enqueued_at, thread_states.enqueued_at),
		   processing_attempts = GREATEST(EXCLUDED.processing_attempts, thread_states.processing_attempts),
		   last_processed_at = EXCLUDED.last_processed_at,
		   updated_at = now()`,
		stateID, t, nullable(userID), meta.JobID, meta.EnqueuedAt, meta.ProcessingAttempts, meta.LastProcessedAt,
	)
	if err != nil {
		return "", fmt.Errorf("storage: save thread: %w", err)
	}

	s.syncEvents(ctx, stateID, t, userID, fresh)
	return stateID, nil
}

// Load retrieves a thread. A stored blob that fails schema validation is
// treated identically to an absent record: the caller gets ErrNotFound and
// can proceed with a fresh thread instead of crashing the loop on corrupt
// state.
func (s *ThreadStore) Load(ctx context.Context, stateID string) (model.Thread, error) {
	st, err := s.LoadWithMetadata(ctx, stateID)
	if err != nil {
		return model.Thread{}, err
	}
	return st.Thread, nil
}

// LoadWithMetadata retrieves a thread plus its processing metadata with the
// same fail-closed contract as Load.
func (s *ThreadStore) LoadWithMetadata(ctx context.Context, stateID string) (model.ThreadState, error) {
	var (
		raw   []byte
		jobID *string
		meta  model.ThreadMetadata
	)
	err := s.db.pool.QueryRow(ctx,
		`SELECT thread, job_id, enqueued_at, processing_attempts, last_processed_at
		 FROM thread_states WHERE state_id = $1`, stateID,
	).Scan(&raw, &jobID, &meta.EnqueuedAt, &meta.ProcessingAttempts, &meta.LastProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ThreadState{}, ErrNotFound
	}
	if err != nil {
		return model.ThreadState{}, fmt.Errorf("storage: load thread %s: %w", stateID, err)
	}

	if jobID != nil {
		meta.JobID = *jobID
	}

	t, err := model.DecodeThread(raw)
	if err != nil {
		// Fail closed: a record we cannot trust reads as no record at all.
		s.logger.Warn("storage: stored thread failed validation, treating as not found",
			"state_id", stateID, "error", err)
		return model.ThreadState{}, ErrNotFound
	}

	return model.ThreadState{StateID: stateID, Thread: t, Metadata: meta}, nil
}

// UpdateMetadata applies a partial metadata update. Unlike Load, a missing
// record is an error: metadata updates assume the thread was already created.
func (s *ThreadStore) UpdateMetadata(ctx context.Context, stateID string, patch model.ThreadMetadataPatch, userID string) error {
	sets := []string{"updated_at = now()"}
	args := []any{stateID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.JobID != nil {
		add("job_id", *patch.JobID)
	}
	if patch.EnqueuedAt != nil {
		add("enqueued_at", *patch.EnqueuedAt)
	}
	if patch.ProcessingAttempts != nil {
		add("processing_attempts", *patch.ProcessingAttempts)
	}
	if patch.LastProcessedAt != nil {
		add("last_processed_at", *patch.LastProcessedAt)
	}
	if userID != "" {
		add("user_id", userID)
	}

	tag, err := s.db.pool.Exec(ctx,
		`UPDATE thread_states SET `+strings.Join(sets, ", ")+` WHERE state_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("storage: update metadata %s: %w", stateID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update metadata %s: %w", stateID, ErrNotFound)
	}
	return nil
}

// Replace swaps the full thread for an existing record, re-validating and
// re-stamping last_processed_at. Missing records are an error.
func (s *ThreadStore) Replace(ctx context.Context, stateID string, t model.Thread, userID string) error {
	if err := model.ValidateThread(t); err != nil {
		return fmt.Errorf("storage: replace thread %s: %w", stateID, err)
	}

	tag, err := s.db.pool.Exec(ctx,
		`UPDATE thread_states
		 SET thread = $2, user_id = COALESCE(NULLIF($3, ''), user_id), last_processed_at = now(), updated_at = now()
		 WHERE state_id = $1`,
		stateID, t, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: replace thread %s: %w", stateID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: replace thread %s: %w", stateID, ErrNotFound)
	}

	// A wholesale replace can shrink the log; pull the watermark back so it
	// never points past the end.
	if _, err := s.db.pool.Exec(ctx,
		`UPDATE thread_states SET projected_events = LEAST(projected_events, $2) WHERE state_id = $1`,
		stateID, len(t.Events),
	); err != nil {
		s.logger.Warn("storage: reset projection watermark failed", "state_id", stateID, "error", err)
	}

	s.syncEvents(ctx, stateID, t, userID, false)
	return nil
}

// syncEvents mirrors to the sink every event past the thread's projection
// watermark and advances the watermark over what was mirrored. A sink failure
// stops the pass without advancing, so the next save picks up the remainder;
// the sink tolerates the duplicate that retry can produce.
func (s *ThreadStore) syncEvents(ctx context.Context, stateID string, t model.Thread, userID string, fresh bool) {
	if s.sink == nil {
		return
	}
	if fresh {
		if err := s.sink.CreateThread(ctx, stateID, userID); err != nil {
			s.logger.Warn("storage: projection create failed", "state_id", stateID, "error", err)
		}
	}

	var projected int
	if err := s.db.pool.QueryRow(ctx,
		`SELECT projected_events FROM thread_states WHERE state_id = $1`, stateID,
	).Scan(&projected); err != nil {
		s.logger.Warn("storage: read projection watermark failed", "state_id", stateID, "error", err)
		return
	}
	if projected >= len(t.Events) {
		return
	}

	for _, e := range t.Events[projected:] {
		if err := s.sink.AppendEvent(ctx, stateID, e, userID); err != nil {
			s.logger.Warn("storage: projection append failed",
				"state_id", stateID, "event_type", e.Type, "error", err)
			break
		}
		projected++
	}

	if _, err := s.db.pool.Exec(ctx,
		`UPDATE thread_states SET projected_events = $2 WHERE state_id = $1 AND projected_events < $2`,
		stateID, projected,
	); err != nil {
		s.logger.Warn("storage: advance projection watermark failed", "state_id", stateID, "error", err)
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
