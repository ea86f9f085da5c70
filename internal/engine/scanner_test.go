package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"avidx/internal/engine"
	"avidx/internal/model"
	"avidx/internal/testutil"
)

func TestScannerConfig_TierFor(t *testing.T) {
	cfg := engine.DefaultScannerConfig()

	tests := []struct {
		name string
		age  time.Duration
		want model.Priority
	}{
		{name: "just synced", age: 0, want: model.PriorityUrgent},
		{name: "five hours", age: 5 * time.Hour, want: model.PriorityUrgent},
		{name: "exactly urgent cutoff", age: 6 * time.Hour, want: model.PriorityRecent},
		{name: "twelve hours", age: 12 * time.Hour, want: model.PriorityRecent},
		{name: "exactly recent cutoff", age: 24 * time.Hour, want: model.PriorityNormal},
		{name: "three days", age: 72 * time.Hour, want: model.PriorityNormal},
		{name: "exactly normal cutoff", age: 7 * 24 * time.Hour, want: model.PriorityBackground},
		{name: "ten days", age: 10 * 24 * time.Hour, want: model.PriorityBackground},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.TierFor(tt.age); got != tt.want {
				t.Errorf("TierFor(%v) = %q, want %q", tt.age, got, tt.want)
			}
		})
	}
}

func TestScannerConfig_TierFor_ExactlyOneTier(t *testing.T) {
	cfg := engine.DefaultScannerConfig()

	// Sweep the age axis in 30-minute steps across all cutoffs: each age must
	// map to one tier, and tiers must be monotonically non-increasing in
	// priority as age grows.
	prevRank := -1
	for age := time.Duration(0); age <= 9*24*time.Hour; age += 30 * time.Minute {
		tier := cfg.TierFor(age)
		rank := tier.Rank()
		if rank < prevRank {
			t.Fatalf("TierFor(%v) = %q ranks above the previous age's tier", age, tier)
		}
		prevRank = rank
	}
}

func seedScanRecord(t *testing.T, f *syncFixture, uri string, age time.Duration) {
	t.Helper()
	f.seed(t, uri, "bafy", f.clock.Now().Add(-age))
}

func TestStalenessScanner_Scan(t *testing.T) {
	t.Run("partitions records into tiers", func(t *testing.T) {
		f := newSyncFixture(t)
		queue := testutil.NewFakeJobQueue()
		scanner := engine.NewStalenessScanner(f.store, queue, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		seedScanRecord(t, f, "at://did:plc:a/c/urgent", 1*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/recent", 12*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/normal", 3*24*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/background", 10*24*time.Hour)

		result := scanner.Scan(context.Background())
		if !result.Success {
			t.Fatalf("Scan() failed: %s", result.Err)
		}
		want := engine.TierCounts{Urgent: 1, Recent: 1, Normal: 1, Background: 1}
		if result.Counts != want {
			t.Errorf("Counts = %+v, want %+v", result.Counts, want)
		}
		if result.Total != 4 {
			t.Errorf("Total = %d, want 4", result.Total)
		}

		byURI := make(map[string]model.Priority)
		for _, job := range queue.Jobs() {
			byURI[job.URI] = job.Priority
			if job.Source != model.JobSourceScan {
				t.Errorf("job %s source = %q, want scan", job.URI, job.Source)
			}
			if job.CheckType != model.CheckTypeStaleness {
				t.Errorf("job %s check type = %q, want staleness", job.URI, job.CheckType)
			}
		}
		wantTiers := map[string]model.Priority{
			"at://did:plc:a/c/urgent":     model.PriorityUrgent,
			"at://did:plc:a/c/recent":     model.PriorityRecent,
			"at://did:plc:a/c/normal":     model.PriorityNormal,
			"at://did:plc:a/c/background": model.PriorityBackground,
		}
		for uri, wantTier := range wantTiers {
			if byURI[uri] != wantTier {
				t.Errorf("job %s priority = %q, want %q", uri, byURI[uri], wantTier)
			}
		}
	})

	t.Run("skips tombstoned records", func(t *testing.T) {
		f := newSyncFixture(t)
		queue := testutil.NewFakeJobQueue()
		scanner := engine.NewStalenessScanner(f.store, queue, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		seedScanRecord(t, f, "at://did:plc:a/c/live", 12*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/dead", 12*time.Hour)
		mgr := engine.NewSoftDeleteManager(f.store, engine.NewNopLogger(), f.clock)
		if err := mgr.MarkDeleted(context.Background(), "at://did:plc:a/c/dead", model.DeletionSourceAdmin); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}

		result := scanner.Scan(context.Background())
		if result.Total != 1 {
			t.Errorf("Total = %d, want 1 (tombstone excluded)", result.Total)
		}
	})

	t.Run("batch size caps each tier oldest first", func(t *testing.T) {
		f := newSyncFixture(t)
		queue := testutil.NewFakeJobQueue()
		cfg := engine.DefaultScannerConfig()
		cfg.BatchSize = 2
		scanner := engine.NewStalenessScanner(f.store, queue, cfg, engine.NewNopLogger(), f.clock)

		seedScanRecord(t, f, "at://did:plc:a/c/r1", 10*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/r2", 14*time.Hour)
		seedScanRecord(t, f, "at://did:plc:a/c/r3", 18*time.Hour)

		result := scanner.Scan(context.Background())
		if result.Counts.Recent != 2 {
			t.Fatalf("Recent = %d, want capped at 2", result.Counts.Recent)
		}

		// The two oldest in the tier made the batch.
		seen := make(map[string]bool)
		for _, job := range queue.Jobs() {
			seen[job.URI] = true
		}
		if !seen["at://did:plc:a/c/r3"] || !seen["at://did:plc:a/c/r2"] {
			t.Errorf("jobs = %v, want the two oldest records", seen)
		}
	})

	t.Run("enqueue failure fails the run", func(t *testing.T) {
		f := newSyncFixture(t)
		queue := testutil.NewFakeJobQueue()
		queue.Err = errors.New("queue unavailable")
		scanner := engine.NewStalenessScanner(f.store, queue, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		seedScanRecord(t, f, "at://did:plc:a/c/r1", 12*time.Hour)

		result := scanner.Scan(context.Background())
		if result.Success {
			t.Error("Success = true, want false on enqueue failure")
		}
		if result.Err == "" {
			t.Error("Err empty, want the enqueue error")
		}
	})

	t.Run("overlapping scan is skipped", func(t *testing.T) {
		f := newSyncFixture(t)
		var scanner *engine.StalenessScanner
		// Re-enter Scan from inside the enqueue path to model a scheduler
		// firing while a scan is still running.
		queue := &reentrantQueue{scan: func() *engine.ScanRunResult {
			return scanner.Scan(context.Background())
		}}
		scanner = engine.NewStalenessScanner(f.store, queue, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		seedScanRecord(t, f, "at://did:plc:a/c/r1", 12*time.Hour)

		result := scanner.Scan(context.Background())
		if !result.Success {
			t.Fatalf("outer scan failed: %s", result.Err)
		}
		if queue.inner == nil {
			t.Fatal("inner scan never ran")
		}
		if !queue.inner.Skipped {
			t.Error("inner scan Skipped = false, want true while outer scan is running")
		}
	})

	t.Run("records last run", func(t *testing.T) {
		f := newSyncFixture(t)
		queue := testutil.NewFakeJobQueue()
		scanner := engine.NewStalenessScanner(f.store, queue, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		if scanner.LastRun() != nil {
			t.Error("LastRun() non-nil before any scan")
		}

		scanner.Scan(context.Background())

		last := scanner.LastRun()
		if last == nil {
			t.Fatal("LastRun() nil after scan")
		}
		if !last.StartedAt.Equal(f.clock.Now()) {
			t.Errorf("StartedAt = %v, want %v", last.StartedAt, f.clock.Now())
		}
	})
}

// reentrantQueue triggers a nested scan from inside EnqueueBatch.
type reentrantQueue struct {
	scan  func() *engine.ScanRunResult
	inner *engine.ScanRunResult
}

func (q *reentrantQueue) EnqueueBatch(jobs []model.FreshnessJob) (int, error) {
	if q.inner == nil {
		q.inner = q.scan()
	}
	return len(jobs), nil
}
