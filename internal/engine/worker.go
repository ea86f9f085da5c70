package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"avidx/internal/model"
)

// Refresher is the refresh primitive the worker drives. Implemented by
// PDSSyncService.
type Refresher interface {
	RefreshRecord(ctx context.Context, uri string) (*RefreshResult, error)
}

// WorkerConfig controls the freshness worker pool.
type WorkerConfig struct {
	// Concurrency is the number of goroutines draining the queue. Refreshes
	// of different URIs run in parallel; same-URI refreshes are serialized
	// by the refresh primitive itself.
	Concurrency int

	// QueueCapacity bounds the total number of queued jobs across all tiers.
	// Jobs beyond capacity are rejected at enqueue time.
	QueueCapacity int

	// MaxAttempts caps how many times a job is tried when refreshes fail
	// transiently.
	MaxAttempts int
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   4,
		QueueCapacity: 10000,
		MaxAttempts:   3,
	}
}

// FreshnessWorker consumes freshness jobs in priority order: urgent ahead of
// recent ahead of normal ahead of background, best-effort FIFO within a tier.
// Each job runs through the single refresh primitive; transient failures are
// re-enqueued as rechecks, delete outcomes are terminal.
type FreshnessWorker struct {
	refresher Refresher
	cfg       WorkerConfig
	logger    Logger

	mu     sync.Mutex
	queues [model.NumPriorities][]model.FreshnessJob
	size   int

	notify chan struct{}

	lifecycle sync.Mutex
	running   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewFreshnessWorker(refresher Refresher, cfg WorkerConfig, logger Logger) *FreshnessWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &FreshnessWorker{
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		notify:    make(chan struct{}, cfg.Concurrency),
	}
}

// EnqueueBatch adds jobs to the queue and returns how many were accepted.
// Jobs beyond QueueCapacity are dropped (logged); enqueueing never blocks.
func (w *FreshnessWorker) EnqueueBatch(jobs []model.FreshnessJob) (int, error) {
	w.mu.Lock()
	accepted := 0
	for _, job := range jobs {
		if w.cfg.QueueCapacity > 0 && w.size >= w.cfg.QueueCapacity {
			break
		}
		rank := job.Priority.Rank()
		w.queues[rank] = append(w.queues[rank], job)
		w.size++
		accepted++
	}
	w.mu.Unlock()

	if dropped := len(jobs) - accepted; dropped > 0 {
		w.logger.Warn("freshness queue full, dropping jobs", "dropped", dropped)
	}

	for i := 0; i < accepted; i++ {
		select {
		case w.notify <- struct{}{}:
		default:
			// Workers already signalled; they drain until empty.
			return accepted, nil
		}
	}
	return accepted, nil
}

// QueueDepth returns the number of queued jobs.
func (w *FreshnessWorker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Start launches the worker pool. Returns an error if already started.
func (w *FreshnessWorker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.running {
		return fmt.Errorf("freshness worker already running")
	}
	w.running = true
	w.done = make(chan struct{})

	w.logger.Info("freshness worker starting", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx, w.done)
	}
	return nil
}

// Stop signals the pool to exit and waits for in-flight refreshes to finish.
// Queued jobs that have not started are left in the queue.
func (w *FreshnessWorker) Stop() {
	w.lifecycle.Lock()
	if !w.running {
		w.lifecycle.Unlock()
		return
	}
	close(w.done)
	w.running = false
	w.lifecycle.Unlock()

	w.wg.Wait()
	w.logger.Info("freshness worker stopped")
}

func (w *FreshnessWorker) runLoop(ctx context.Context, done chan struct{}) {
	defer w.wg.Done()
	for {
		job, ok := w.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-w.notify:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		w.process(ctx, job)
	}
}

// dequeue pops the oldest job from the highest-priority non-empty tier.
func (w *FreshnessWorker) dequeue() (model.FreshnessJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for rank := 0; rank < model.NumPriorities; rank++ {
		q := w.queues[rank]
		if len(q) == 0 {
			continue
		}
		job := q[0]
		w.queues[rank] = q[1:]
		w.size--
		return job, true
	}
	return model.FreshnessJob{}, false
}

// process runs one job through the refresh primitive and decides its fate:
// transient failures are re-enqueued as rechecks up to MaxAttempts; deleted
// records and records gone from the index are terminal.
func (w *FreshnessWorker) process(ctx context.Context, job model.FreshnessJob) {
	result, err := w.refresher.RefreshRecord(ctx, job.URI)

	switch {
	case err == nil:
		if result.Deleted {
			w.logger.Debug("job resolved: record deleted", "uri", job.URI)
			return
		}
		w.logger.Debug("job resolved",
			"uri", job.URI,
			"changed", result.Changed,
			"priority", string(job.Priority),
		)

	case IsTransient(err):
		attempt := job.Attempt + 1
		if attempt >= w.cfg.MaxAttempts {
			w.logger.Error("job abandoned after transient failures",
				"uri", job.URI,
				"attempts", attempt,
				"error", err.Error(),
			)
			return
		}
		recheck := job
		recheck.Attempt = attempt
		recheck.Source = model.JobSourceRecheck
		if _, enqErr := w.EnqueueBatch([]model.FreshnessJob{recheck}); enqErr != nil {
			w.logger.Error("recheck enqueue failed", "uri", job.URI, "error", enqErr.Error())
			return
		}
		w.logger.Warn("job failed transiently, recheck queued",
			"uri", job.URI,
			"attempt", attempt,
			"error", err.Error(),
		)

	case errors.Is(err, ErrNotFound):
		// The record left the index between enqueue and refresh. Terminal.
		w.logger.Debug("job resolved: record not in index", "uri", job.URI)

	default:
		w.logger.Error("job failed", "uri", job.URI, "error", err.Error())
	}
}
