package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avidx/internal/model"
)

// PDSSyncService verifies indexed records against their source hosts.
// RefreshRecord is the single refresh primitive: the on-demand API path and
// the batch worker both go through it, so there is exactly one definition of
// what it means to refresh one record.
type PDSSyncService struct {
	store      Store
	pds        PDSClient
	reindexer  Reindexer
	softDelete *SoftDeleteManager
	logger     Logger
	clock      Clock
	uriLocks   *keyedMutex
}

func NewPDSSyncService(store Store, pds PDSClient, reindexer Reindexer, softDelete *SoftDeleteManager, logger Logger, clock Clock) *PDSSyncService {
	return &PDSSyncService{
		store:      store,
		pds:        pds,
		reindexer:  reindexer,
		softDelete: softDelete,
		logger:     logger,
		clock:      clock,
		uriLocks:   newKeyedMutex(),
	}
}

// StalenessResult compares the indexed CID against the live PDS CID.
type StalenessResult struct {
	URI        string `json:"uri"`
	IsStale    bool   `json:"isStale"`
	IndexedCID string `json:"indexedCid"`
	PDSCID     string `json:"pdsCid"`
}

// RefreshResult reports the outcome of refreshing one record. A transient
// fetch failure comes back with Refreshed=false and Err set alongside the
// typed error, so callers can render the structured result and still branch
// on the error kind.
type RefreshResult struct {
	URI         string `json:"uri"`
	Refreshed   bool   `json:"refreshed"`
	Changed     bool   `json:"changed"`
	PreviousCID string `json:"previousCid,omitempty"`
	CurrentCID  string `json:"currentCid,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
	Err         string `json:"error,omitempty"`
}

// CheckStaleness fetches the current record from its source host and compares
// CIDs. It never mutates the index. An unreachable host surfaces as a
// TransientError rather than a false "fresh" verdict; missing or tombstoned
// index records surface as ErrNotFound.
func (s *PDSSyncService) CheckStaleness(ctx context.Context, uri string) (*StalenessResult, error) {
	rec, err := s.loadActiveRecord(ctx, uri)
	if err != nil {
		return nil, err
	}

	aturi, err := model.ParseATURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	remote, err := s.pds.GetRecord(ctx, rec.PDSURL, aturi)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The source no longer has the record: the index is stale by
			// definition. Reporting it is left to a refresh.
			return &StalenessResult{URI: uri, IsStale: true, IndexedCID: rec.CID}, nil
		}
		return nil, err
	}

	return &StalenessResult{
		URI:        uri,
		IsStale:    remote.CID != rec.CID,
		IndexedCID: rec.CID,
		PDSCID:     remote.CID,
	}, nil
}

// RefreshRecord re-verifies one record against its source host and commits
// the outcome to the index:
//
//   - source has the record, same CID: confirm fresh (advance LastSyncedAt only)
//   - source has the record, new CID: reindex, then update CID + LastSyncedAt
//   - source answers "not found": tombstone with source pds-not-found
//   - source unreachable: structured transient result, index untouched
//
// Refreshes of the same URI are serialized; an already-tombstoned record is a
// no-op, not an error.
func (s *PDSSyncService) RefreshRecord(ctx context.Context, uri string) (*RefreshResult, error) {
	s.uriLocks.Lock(uri)
	defer s.uriLocks.Unlock(uri)

	rec, err := s.store.FindRecordByURI(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", uri, ErrNotFound)
	}
	if rec.Deleted() {
		return &RefreshResult{URI: uri, Deleted: true}, nil
	}

	aturi, err := model.ParseATURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	remote, err := s.pds.GetRecord(ctx, rec.PDSURL, aturi)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.softDelete.MarkDeleted(ctx, uri, model.DeletionSourcePDSNotFound); err != nil {
			return nil, fmt.Errorf("tombstoning record: %w", err)
		}
		s.logger.Info("record gone from pds", "uri", uri, "pds", rec.PDSURL)
		return &RefreshResult{
			URI:         uri,
			Refreshed:   true,
			Changed:     true,
			Deleted:     true,
			PreviousCID: rec.CID,
		}, nil

	case IsTransient(err):
		// Never a delete signal. The caller decides whether to retry.
		return &RefreshResult{URI: uri, Err: err.Error()}, err

	case err != nil:
		return nil, fmt.Errorf("fetching record: %w", err)
	}

	now := s.clock.Now()

	if remote.CID == rec.CID {
		if err := s.store.TouchRecordSync(ctx, uri, now); err != nil {
			return nil, fmt.Errorf("confirming record fresh: %w", err)
		}
		if err := s.store.BumpPDSSyncStatus(ctx, rec.PDSURL, now, 0, 0); err != nil {
			return nil, fmt.Errorf("updating pds status: %w", err)
		}
		return &RefreshResult{URI: uri, Refreshed: true, CurrentCID: rec.CID}, nil
	}

	// Content changed: hand the new content to the ingestion path before
	// advancing the sync snapshot, so the index never advertises a CID whose
	// projection it failed to store.
	if err := s.reindexer.IndexRecord(ctx, uri, remote.CID, remote.Value); err != nil {
		return nil, fmt.Errorf("reindexing record: %w", err)
	}
	if err := s.store.UpdateRecordSync(ctx, uri, remote.CID, now); err != nil {
		return nil, fmt.Errorf("updating record sync: %w", err)
	}
	if err := s.store.BumpPDSSyncStatus(ctx, rec.PDSURL, now, 1, 0); err != nil {
		return nil, fmt.Errorf("updating pds status: %w", err)
	}

	s.logger.Debug("record refreshed", "uri", uri, "previous_cid", rec.CID, "current_cid", remote.CID)
	return &RefreshResult{
		URI:         uri,
		Refreshed:   true,
		Changed:     true,
		PreviousCID: rec.CID,
		CurrentCID:  remote.CID,
	}, nil
}

// VerifyResult is the read-only view exposed to API consumers: the staleness
// comparison plus the record's source metadata.
type VerifyResult struct {
	StalenessResult
	PDSURL       string     `json:"pdsUrl"`
	LastSyncedAt time.Time  `json:"lastSyncedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Verify runs a staleness check and attaches the record's source metadata.
// Never mutates the index.
func (s *PDSSyncService) Verify(ctx context.Context, uri string) (*VerifyResult, error) {
	rec, err := s.loadActiveRecord(ctx, uri)
	if err != nil {
		return nil, err
	}

	staleness, err := s.CheckStaleness(ctx, uri)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		StalenessResult: *staleness,
		PDSURL:          rec.PDSURL,
		LastSyncedAt:    rec.LastSyncedAt,
		DeletedAt:       rec.DeletedAt,
	}, nil
}

func (s *PDSSyncService) loadActiveRecord(ctx context.Context, uri string) (*model.IndexedRecord, error) {
	rec, err := s.store.FindRecordByURI(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	if rec == nil || rec.Deleted() {
		return nil, fmt.Errorf("record %s: %w", uri, ErrNotFound)
	}
	return rec, nil
}
