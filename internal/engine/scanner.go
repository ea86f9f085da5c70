package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"avidx/internal/model"
)

// ScannerConfig controls the tiered staleness scan.
//
// The three cutoffs split the age-since-last-sync axis into four disjoint
// tiers, so every non-deleted record falls in exactly one:
//
//	urgent:     age <  UrgentCutoff            (recently active sources)
//	recent:     UrgentCutoff <= age < RecentCutoff
//	normal:     RecentCutoff <= age < NormalCutoff
//	background: age >= NormalCutoff            (long-quiet sources)
type ScannerConfig struct {
	BatchSize    int
	UrgentCutoff time.Duration
	RecentCutoff time.Duration
	NormalCutoff time.Duration
}

// DefaultScannerConfig returns the production defaults: batches of 100 and
// cutoffs at 6 hours, 24 hours, and 7 days.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		BatchSize:    100,
		UrgentCutoff: 6 * time.Hour,
		RecentCutoff: 24 * time.Hour,
		NormalCutoff: 7 * 24 * time.Hour,
	}
}

// TierFor returns the priority tier for a record whose last successful sync
// is age ago. Every age maps to exactly one tier.
func (c ScannerConfig) TierFor(age time.Duration) model.Priority {
	switch {
	case age < c.UrgentCutoff:
		return model.PriorityUrgent
	case age < c.RecentCutoff:
		return model.PriorityRecent
	case age < c.NormalCutoff:
		return model.PriorityNormal
	default:
		return model.PriorityBackground
	}
}

// tierWindow is the LastSyncedAt range for one tier: records with
// LastSyncedAt <= before and (when after is non-nil) > after.
type tierWindow struct {
	priority model.Priority
	before   time.Time
	after    *time.Time
}

func (c ScannerConfig) tierWindows(now time.Time) []tierWindow {
	urgent := now.Add(-c.UrgentCutoff)
	recent := now.Add(-c.RecentCutoff)
	normal := now.Add(-c.NormalCutoff)
	return []tierWindow{
		{priority: model.PriorityUrgent, before: now, after: &urgent},
		{priority: model.PriorityRecent, before: urgent, after: &recent},
		{priority: model.PriorityNormal, before: recent, after: &normal},
		{priority: model.PriorityBackground, before: normal, after: nil},
	}
}

// JobQueue accepts batches of freshness jobs. Implemented by FreshnessWorker.
type JobQueue interface {
	EnqueueBatch(jobs []model.FreshnessJob) (int, error)
}

// TierCounts is the number of jobs enqueued per tier in one scan run.
type TierCounts struct {
	Urgent     int `json:"urgent"`
	Recent     int `json:"recent"`
	Normal     int `json:"normal"`
	Background int `json:"background"`
}

// ScanRunResult summarizes one scan run. Retained as last-run state for
// observability; not persisted durably.
type ScanRunResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Counts    TierCounts    `json:"counts"`
	Total     int           `json:"total"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// StalenessScanner periodically partitions non-deleted records into four
// staleness tiers and enqueues re-verification jobs. A scan in progress
// rejects overlapping invocations rather than running concurrently.
type StalenessScanner struct {
	store  Store
	queue  JobQueue
	cfg    ScannerConfig
	logger Logger
	clock  Clock

	scanning atomic.Bool
	lastRun  atomic.Pointer[ScanRunResult]
}

func NewStalenessScanner(store Store, queue JobQueue, cfg ScannerConfig, logger Logger, clock Clock) *StalenessScanner {
	return &StalenessScanner{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		clock:  clock,
	}
}

// Scan runs one tiered staleness scan. The four tiers are scanned and
// enqueued in parallel. A tier whose query fails contributes zero candidates
// for this run (logged, not fatal); an enqueue failure fails the whole run.
// If a scan is already running, the result comes back with Skipped=true.
func (s *StalenessScanner) Scan(ctx context.Context) *ScanRunResult {
	if !s.scanning.CompareAndSwap(false, true) {
		s.logger.Warn("staleness scan skipped: already running")
		return &ScanRunResult{
			StartedAt: s.clock.Now(),
			Skipped:   true,
			Err:       "scan already running",
		}
	}
	defer s.scanning.Store(false)

	started := s.clock.Now()
	result := &ScanRunResult{StartedAt: started, Success: true}

	windows := s.cfg.tierWindows(started)
	counts := make([]int, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			n, err := s.scanTier(gctx, w)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		result.Success = false
		result.Err = err.Error()
	}

	result.Counts = TierCounts{
		Urgent:     counts[0],
		Recent:     counts[1],
		Normal:     counts[2],
		Background: counts[3],
	}
	result.Total = counts[0] + counts[1] + counts[2] + counts[3]
	result.Duration = s.clock.Now().Sub(started)
	s.lastRun.Store(result)

	if result.Success {
		s.logger.Info("staleness scan complete",
			"urgent", counts[0],
			"recent", counts[1],
			"normal", counts[2],
			"background", counts[3],
			"duration", result.Duration.String(),
		)
	} else {
		s.logger.Error("staleness scan failed", "error", result.Err)
	}

	return result
}

// scanTier selects up to BatchSize candidates in the tier's window (oldest
// LastSyncedAt first) and enqueues one job per record. A query failure is
// swallowed to zero candidates; an enqueue failure propagates.
func (s *StalenessScanner) scanTier(ctx context.Context, w tierWindow) (int, error) {
	records, err := s.store.SelectStaleCandidates(ctx, w.before, w.after, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("tier scan failed, skipping tier",
			"tier", string(w.priority),
			"error", err.Error(),
		)
		return 0, nil
	}
	if len(records) == 0 {
		return 0, nil
	}

	jobs := make([]model.FreshnessJob, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, model.FreshnessJob{
			URI:          rec.URI,
			PDSURL:       rec.PDSURL,
			LastSyncedAt: rec.LastSyncedAt,
			Priority:     w.priority,
			CheckType:    model.CheckTypeStaleness,
			Source:       model.JobSourceScan,
		})
	}

	accepted, err := s.queue.EnqueueBatch(jobs)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s tier: %w", w.priority, err)
	}
	return accepted, nil
}

// LastRun returns the result of the most recent scan, or nil if none has run.
func (s *StalenessScanner) LastRun() *ScanRunResult {
	return s.lastRun.Load()
}

// Scanning reports whether a scan is currently in progress.
func (s *StalenessScanner) Scanning() bool {
	return s.scanning.Load()
}
