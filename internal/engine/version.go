package engine

import (
	"context"
	"fmt"

	"avidx/internal/model"
)

// BumpVersion computes the next semantic version. A nil current version is
// treated as 0.0.0. Major and minor bumps zero the components below them;
// patch increments in place.
func BumpVersion(current *model.SemanticVersion, kind model.BumpKind) (model.SemanticVersion, error) {
	v := model.SemanticVersion{}
	if current != nil {
		v = *current
	}

	switch kind {
	case model.BumpMajor:
		return model.SemanticVersion{Major: v.Major + 1}, nil
	case model.BumpMinor:
		return model.SemanticVersion{Major: v.Major, Minor: v.Minor + 1}, nil
	case model.BumpPatch:
		return model.SemanticVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}, nil
	default:
		return model.SemanticVersion{}, fmt.Errorf("%w: unknown bump kind %q", ErrValidation, kind)
	}
}

// ConcurrencyToken returns the compare-and-swap token a caller must present
// to the owning PDS as a conditional-write precondition. The token is the
// record's last confirmed CID; if the remote content no longer matches it at
// write time, the PDS itself must reject the write. This engine only issues
// the token — it cannot detect or retry that race.
func ConcurrencyToken(rec *model.IndexedRecord) string {
	return rec.CID
}

// VersionLedger serves the write-authorization path: it computes the next
// version for a record and the concurrency token for the conditional write.
type VersionLedger struct {
	store Store
}

func NewVersionLedger(store Store) *VersionLedger {
	return &VersionLedger{store: store}
}

// NextVersionResult is what a write request needs to round-trip to the PDS.
type NextVersionResult struct {
	URI         string
	Version     model.SemanticVersion
	ExpectedCID string
}

// NextVersion computes the next version for the record at uri and reads its
// current CID immediately, so the caller never computes a version against
// state staler than this read. Returns ErrNotFound for missing or tombstoned
// records.
func (l *VersionLedger) NextVersion(ctx context.Context, uri string, current *model.SemanticVersion, kind model.BumpKind) (*NextVersionResult, error) {
	next, err := BumpVersion(current, kind)
	if err != nil {
		return nil, err
	}

	rec, err := l.store.FindRecordByURI(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	if rec == nil || rec.Deleted() {
		return nil, fmt.Errorf("record %s: %w", uri, ErrNotFound)
	}

	return &NextVersionResult{
		URI:         uri,
		Version:     next,
		ExpectedCID: ConcurrencyToken(rec),
	}, nil
}
