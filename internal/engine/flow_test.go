package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"avidx/internal/engine"
	"avidx/internal/model"
)

// These tests compose the real scanner, worker, and sync service over one
// store, with only the PDS faked: a scan finds stale records, the worker
// drains the queue through the refresh primitive, and the index converges.

func TestScanToRefreshFlow(t *testing.T) {
	t.Run("background record converges on the new cid", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx := context.Background()

		worker := engine.NewFreshnessWorker(f.svc, engine.WorkerConfig{
			Concurrency:   2,
			QueueCapacity: 100,
			MaxAttempts:   3,
		}, engine.NewNopLogger())
		scanner := engine.NewStalenessScanner(f.store, worker, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		// Last confirmed 10 days ago; the PDS has moved on to a new CID.
		f.seed(t, testURI, "bafya", f.clock.Now().Add(-10*24*time.Hour))
		f.pds.SetRecord(testURI, "bafyb", json.RawMessage(`{"text":"edited"}`))

		result := scanner.Scan(ctx)
		if !result.Success {
			t.Fatalf("Scan() failed: %s", result.Err)
		}
		if result.Counts.Background != 1 || result.Total != 1 {
			t.Fatalf("Counts = %+v Total = %d, want one background candidate", result.Counts, result.Total)
		}

		if err := worker.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer worker.Stop()

		waitFor(t, func() bool { return worker.QueueDepth() == 0 && len(f.reindexer.Calls()) == 1 })

		rec, err := f.store.FindRecordByURI(ctx, testURI)
		if err != nil {
			t.Fatalf("FindRecordByURI() error = %v", err)
		}
		if rec.CID != "bafyb" {
			t.Errorf("CID = %q, want %q", rec.CID, "bafyb")
		}
		if !rec.LastSyncedAt.Equal(f.clock.Now()) {
			t.Errorf("LastSyncedAt = %v, want %v", rec.LastSyncedAt, f.clock.Now())
		}
		if rec.Deleted() {
			t.Error("record tombstoned by a content change")
		}

		calls := f.reindexer.Calls()
		if calls[0].CID != "bafyb" {
			t.Errorf("reindexed CID = %q, want %q", calls[0].CID, "bafyb")
		}

		status, _ := f.store.GetPDSSyncStatus(ctx, "https://pds.example.com")
		if status == nil || status.RecordsRefreshed != 1 {
			t.Errorf("RecordsRefreshed = %+v, want 1", status)
		}
	})

	t.Run("record gone from its pds ends tombstoned", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx := context.Background()

		worker := engine.NewFreshnessWorker(f.svc, engine.DefaultWorkerConfig(), engine.NewNopLogger())
		scanner := engine.NewStalenessScanner(f.store, worker, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		f.seed(t, testURI, "bafya", f.clock.Now().Add(-12*time.Hour))
		// Nothing registered on the fake PDS: the fetch reports not found.

		if result := scanner.Scan(ctx); result.Counts.Recent != 1 {
			t.Fatalf("Counts = %+v, want one recent candidate", result.Counts)
		}

		if err := worker.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer worker.Stop()

		waitFor(t, func() bool { return worker.QueueDepth() == 0 })
		waitFor(t, func() bool {
			rec, err := f.store.FindRecordByURI(ctx, testURI)
			return err == nil && rec.Deleted()
		})

		rec, _ := f.store.FindRecordByURI(ctx, testURI)
		if rec.DeletionSource != model.DeletionSourcePDSNotFound {
			t.Errorf("DeletionSource = %q, want %q", rec.DeletionSource, model.DeletionSourcePDSNotFound)
		}
	})

	t.Run("transient pds failure leaves the record untouched", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx := context.Background()

		worker := engine.NewFreshnessWorker(f.svc, engine.WorkerConfig{
			Concurrency:   1,
			QueueCapacity: 100,
			MaxAttempts:   3,
		}, engine.NewNopLogger())
		scanner := engine.NewStalenessScanner(f.store, worker, engine.DefaultScannerConfig(), engine.NewNopLogger(), f.clock)

		seededAt := f.clock.Now().Add(-3 * 24 * time.Hour)
		f.seed(t, testURI, "bafya", seededAt)
		f.pds.SetError(testURI, engine.Transient("fetch", errors.New("connection refused")))

		scanner.Scan(ctx)

		if err := worker.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer worker.Stop()

		// All retries fail transiently; the job is abandoned, never a delete.
		waitFor(t, func() bool { return worker.QueueDepth() == 0 && f.pds.CallCount() >= 3 })

		rec, _ := f.store.FindRecordByURI(ctx, testURI)
		if rec.Deleted() {
			t.Error("transient failures must never tombstone")
		}
		if rec.CID != "bafya" || !rec.LastSyncedAt.Equal(seededAt) {
			t.Errorf("record = cid %q synced %v, want untouched", rec.CID, rec.LastSyncedAt)
		}
	})
}
