package engine

import (
	"context"
	"time"

	"avidx/internal/model"
)

// Store is the narrow persistence surface the engine mutates through.
// Every mutation is a single atomic statement keyed by the row's unique
// identifier, so concurrent writers (worker vs. on-demand path) cannot
// produce a torn update.
type Store interface {
	// Record operations

	// FindRecordByURI returns the record with the given URI, including
	// tombstoned records. Returns nil if no such record exists.
	FindRecordByURI(ctx context.Context, uri string) (*model.IndexedRecord, error)

	// UpsertRecord inserts or replaces the full sync projection of a record.
	// Used by the ingestion path and by tests; engine refreshes use the
	// narrower UpdateRecordSync/TouchRecordSync instead.
	UpsertRecord(ctx context.Context, rec *model.IndexedRecord) error

	// SelectStaleCandidates returns non-deleted records whose LastSyncedAt is
	// at or before `before` and, when `after` is non-nil, strictly after
	// `after`. Results are ordered oldest LastSyncedAt first and capped at
	// limit, so the most overdue records in the window come back first.
	SelectStaleCandidates(ctx context.Context, before time.Time, after *time.Time, limit int) ([]model.IndexedRecord, error)

	// UpdateRecordSync sets the record's CID and LastSyncedAt after a refresh
	// that observed changed content.
	UpdateRecordSync(ctx context.Context, uri string, cid string, syncedAt time.Time) error

	// TouchRecordSync advances only LastSyncedAt, confirming the record fresh
	// without changing its CID.
	TouchRecordSync(ctx context.Context, uri string, syncedAt time.Time) error

	// MarkRecordDeleted tombstones a record. Both DeletedAt and
	// DeletionSource are first-write-wins: re-marking an already-deleted
	// record is a no-op. Returns true if this call performed the transition.
	MarkRecordDeleted(ctx context.Context, uri string, source model.DeletionSource, at time.Time) (bool, error)

	// PDS status operations

	// BumpPDSSyncStatus upserts the per-host counters: the check count is
	// incremented by one, LastFreshnessCheck set to at, and the refreshed and
	// deleted counters incremented by the given deltas.
	BumpPDSSyncStatus(ctx context.Context, pdsURL string, at time.Time, refreshed int64, deleted int64) error

	// GetPDSSyncStatus returns counters for one host, or nil if the host has
	// never been checked.
	GetPDSSyncStatus(ctx context.Context, pdsURL string) (*model.PDSSyncStatus, error)

	// ListPDSSyncStatuses returns counters for all known hosts.
	ListPDSSyncStatuses(ctx context.Context) ([]model.PDSSyncStatus, error)

	// Reconciliation operations

	// UpsertReconciliation inserts the reconciliation or, when a row with the
	// same ImportURI exists, overwrites its linkage fields in place (keeping
	// the original ID and CreatedAt). Returns the stored row.
	UpsertReconciliation(ctx context.Context, rec *model.Reconciliation) (*model.Reconciliation, error)

	// GetReconciliationByID returns a reconciliation by ID, nil if absent.
	GetReconciliationByID(ctx context.Context, id string) (*model.Reconciliation, error)

	// GetReconciliationByImportURI returns the reconciliation for an imported
	// record, nil if absent.
	GetReconciliationByImportURI(ctx context.Context, importURI string) (*model.Reconciliation, error)

	// GetReconciliationByCanonicalURI returns the first reconciliation whose
	// canonical record matches, nil if absent.
	GetReconciliationByCanonicalURI(ctx context.Context, canonicalURI string) (*model.Reconciliation, error)

	// UpdateReconciliationStatus sets the status (and notes, when non-empty)
	// of an existing reconciliation and returns the updated row. Returns nil
	// if the ID does not exist.
	UpdateReconciliationStatus(ctx context.Context, id string, status model.ReconciliationStatus, notes string, at time.Time) (*model.Reconciliation, error)

	// SetReconciliationPublished stamps the row with the identifiers returned
	// by the governance repository. The stamp is one-way.
	SetReconciliationPublished(ctx context.Context, id string, atprotoURI string, atprotoCID string, at time.Time) error

	// Close closes the underlying connection.
	Close() error
}
