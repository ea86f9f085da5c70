package engine

import (
	"context"
	"fmt"

	"avidx/internal/model"
)

// SoftDeleteManager tombstones indexed records. Records are never physically
// removed by this engine; retention is a separate concern.
type SoftDeleteManager struct {
	store  Store
	logger Logger
	clock  Clock
}

func NewSoftDeleteManager(store Store, logger Logger, clock Clock) *SoftDeleteManager {
	return &SoftDeleteManager{store: store, logger: logger, clock: clock}
}

// MarkDeleted tombstones the record at uri. Idempotent: re-marking an
// already-deleted record is a no-op and neither DeletedAt nor DeletionSource
// is overwritten (first-write-wins, for audit stability). The per-host
// deleted counter is bumped only when this call performs the transition.
func (m *SoftDeleteManager) MarkDeleted(ctx context.Context, uri string, source model.DeletionSource) error {
	if !source.Valid() {
		return fmt.Errorf("%w: unknown deletion source %q", ErrValidation, source)
	}

	rec, err := m.store.FindRecordByURI(ctx, uri)
	if err != nil {
		return fmt.Errorf("loading record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("record %s: %w", uri, ErrNotFound)
	}

	now := m.clock.Now()
	transitioned, err := m.store.MarkRecordDeleted(ctx, uri, source, now)
	if err != nil {
		return fmt.Errorf("marking record deleted: %w", err)
	}
	if !transitioned {
		m.logger.Debug("record already deleted", "uri", uri, "source", string(source))
		return nil
	}

	if err := m.store.BumpPDSSyncStatus(ctx, rec.PDSURL, now, 0, 1); err != nil {
		return fmt.Errorf("updating pds status: %w", err)
	}

	m.logger.Info("record deleted", "uri", uri, "source", string(source))
	return nil
}

// IsDeleted reports whether the record at uri has been tombstoned.
// Returns ErrNotFound if the record does not exist at all.
func (m *SoftDeleteManager) IsDeleted(ctx context.Context, uri string) (bool, error) {
	rec, err := m.store.FindRecordByURI(ctx, uri)
	if err != nil {
		return false, fmt.Errorf("loading record: %w", err)
	}
	if rec == nil {
		return false, fmt.Errorf("record %s: %w", uri, ErrNotFound)
	}
	return rec.Deleted(), nil
}
