// Package worker drains the durable webhook job queue.
//
// Each claimed job is one worker invocation for one thread. The queue's
// claim query guarantees at most one in-flight job per state ID; across
// distinct state IDs processing is concurrent up to a global fan-out cap.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/telemetry"
	"github.com/ashita-ai/renraku/internal/webhook"
)

// Job event names understood by the worker.
const (
	JobWebhook = "webhook.process"
	JobKickoff = "thread.kickoff"
)

// jobTimeout bounds one job's processing. Must stay under the queue lease so
// a slow job cannot be claimed twice.
const jobTimeout = 30 * time.Second

// Worker polls the queue and processes claimed jobs.
type Worker struct {
	queue        *storage.Queue
	machine      *webhook.Machine
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	sem          *semaphore.Weighted

	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
}

// New creates a Worker. concurrency caps in-flight jobs across all threads.
func New(queue *storage.Queue, machine *webhook.Machine, logger *slog.Logger, pollInterval time.Duration, batchSize int, concurrency int64) *Worker {
	return &Worker{
		queue:        queue,
		machine:      machine,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		sem:          semaphore.NewWeighted(concurrency),
		done:         make(chan struct{}),
	}
}

// Start begins the background poll loop. Call Drain to stop.
func (w *Worker) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop and waits for in-flight jobs, respecting the
// caller's deadline. Unfinished jobs simply reappear once their lease
// expires; delivery is at-least-once.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.claimAndRun(ctx, &inflight)
			if time.Since(w.lastCleanup) > time.Hour {
				w.cleanup(ctx)
				w.lastCleanup = time.Now()
			}
		}
	}
}

func (w *Worker) claimAndRun(ctx context.Context, inflight *sync.WaitGroup) {
	jobs, err := w.queue.ClaimJobs(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("worker: claim jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; the unprocessed job's lease will expire and it
			// will be reclaimed.
			return
		}
		inflight.Add(1)
		go func(job storage.Job) {
			defer inflight.Done()
			defer w.sem.Release(1)
			w.runJob(job)
		}(job)
	}
}

// runJob uses a fresh context: job processing should finish (or hit its own
// timeout) even while the service is draining.
func (w *Worker) runJob(job storage.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	var err error
	switch job.EventName {
	case JobKickoff:
		err = w.machine.Kickoff(ctx, job.StateID)
	case JobWebhook:
		var payload model.WebhookPayload
		payload, err = model.ParseWebhookPayload(job.Payload)
		if err == nil {
			_, err = w.machine.Process(ctx, job.StateID, payload)
		}
	default:
		w.logger.Error("worker: unknown job event", "job_id", job.ID, "event", job.EventName)
		// Complete rather than retry: retrying an unroutable job can never
		// succeed.
		if cerr := w.queue.CompleteJob(ctx, job.ID); cerr != nil {
			w.logger.Error("worker: complete unroutable job", "job_id", job.ID, "error", cerr)
		}
		return
	}

	if err != nil {
		w.logger.Warn("worker: job failed",
			"job_id", job.ID, "state_id", job.StateID, "attempt", job.Attempts, "error", err)
		if ferr := w.queue.FailJob(ctx, job.ID, err); ferr != nil {
			w.logger.Error("worker: record job failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if err := w.queue.CompleteJob(ctx, job.ID); err != nil {
		w.logger.Error("worker: complete job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	deleted, err := w.queue.CleanupDone(ctx)
	if err != nil {
		w.logger.Error("worker: queue cleanup", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("worker: cleaned completed jobs", "deleted", deleted)
	}
}

// registerMetrics registers observable gauges for queue health.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("renraku/worker")

	_, _ = meter.Int64ObservableGauge("renraku.queue.pending",
		metric.WithDescription("Number of pending jobs in the webhook queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			stats, err := w.queue.Stats(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(stats.Pending)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("renraku.queue.dead",
		metric.WithDescription("Number of dead-lettered jobs in the webhook queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			stats, err := w.queue.Stats(ctx)
			if err != nil {
				return nil
			}
			o.Observe(stats.Dead)
			return nil
		}),
	)
}
