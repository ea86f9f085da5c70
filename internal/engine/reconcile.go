package engine

import (
	"context"
	"fmt"
	"time"

	"avidx/internal/model"
)

// GovernanceCollection is the record collection reconciliations are published
// into on the governance repository.
const GovernanceCollection = "org.avidx.reconciliation"

// ReconciliationService links externally-imported records to user-created
// canonical records and optionally publishes the linkage to the governance
// repository.
type ReconciliationService struct {
	store      Store
	governance GovernanceClient // nil when no governance repo is configured
	logger     Logger
	clock      Clock
	idgen      IDGenerator
}

func NewReconciliationService(store Store, governance GovernanceClient, logger Logger, clock Clock, idgen IDGenerator) *ReconciliationService {
	return &ReconciliationService{
		store:      store,
		governance: governance,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
	}
}

// CreateReconciliationInput carries the caller-supplied reconciliation data.
// Evidence scores are taken as given; this service does not compute or
// validate them.
type CreateReconciliationInput struct {
	ImportURI    string
	CanonicalURI string
	Type         model.ReconciliationType
	Evidence     []model.Evidence
	VerifiedBy   string
	Notes        string
}

// Create upserts a reconciliation keyed by ImportURI. On conflict the
// existing row's linkage fields are overwritten and its status forced back
// to verified; duplicate import keys are never an error to the caller.
func (s *ReconciliationService) Create(ctx context.Context, in CreateReconciliationInput) (*model.Reconciliation, error) {
	if in.ImportURI == "" || in.CanonicalURI == "" {
		return nil, fmt.Errorf("%w: importUri and canonicalUri are required", ErrValidation)
	}
	if _, err := model.ParseATURI(in.ImportURI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := model.ParseATURI(in.CanonicalURI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown reconciliation type %q", ErrValidation, in.Type)
	}

	now := s.clock.Now()
	rec := &model.Reconciliation{
		ID:           s.idgen.New(),
		ImportURI:    in.ImportURI,
		CanonicalURI: in.CanonicalURI,
		Type:         in.Type,
		Evidence:     in.Evidence,
		Status:       model.ReconciliationVerified,
		VerifiedBy:   in.VerifiedBy,
		VerifiedAt:   now,
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, err := s.store.UpsertReconciliation(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("upserting reconciliation: %w", err)
	}

	s.logger.Info("reconciliation recorded",
		"id", stored.ID,
		"import_uri", stored.ImportURI,
		"canonical_uri", stored.CanonicalURI,
		"type", string(stored.Type),
	)
	return stored, nil
}

// GetByImportURI returns the reconciliation for an imported record, or nil
// if none exists.
func (s *ReconciliationService) GetByImportURI(ctx context.Context, importURI string) (*model.Reconciliation, error) {
	return s.store.GetReconciliationByImportURI(ctx, importURI)
}

// GetByCanonicalURI returns the reconciliation pointing at a canonical
// record, or nil if none exists.
func (s *ReconciliationService) GetByCanonicalURI(ctx context.Context, canonicalURI string) (*model.Reconciliation, error) {
	return s.store.GetReconciliationByCanonicalURI(ctx, canonicalURI)
}

// UpdateStatus changes the review status of an existing reconciliation.
// Returns ErrNotFound if the id does not exist.
func (s *ReconciliationService) UpdateStatus(ctx context.Context, id string, status model.ReconciliationStatus, notes string) (*model.Reconciliation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	updated, err := s.store.UpdateReconciliationStatus(ctx, id, status, notes, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("updating reconciliation status: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("reconciliation %s: %w", id, ErrNotFound)
	}
	return updated, nil
}

// governanceRecord is the immutable record shape published to the governance
// repository. Once published it travels independently of this index.
type governanceRecord struct {
	Type         string           `json:"$type"`
	ImportURI    string           `json:"importUri"`
	CanonicalURI string           `json:"canonicalUri"`
	Kind         string           `json:"reconciliationType"`
	Evidence     []model.Evidence `json:"evidence"`
	Status       string           `json:"status"`
	VerifiedBy   string           `json:"verifiedBy,omitempty"`
	VerifiedAt   time.Time        `json:"verifiedAt"`
	Notes        string           `json:"notes,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// PublishToGovernancePDS builds an immutable record from the current
// reconciliation state, submits it to the governance repository, and stamps
// the local row with the returned identifiers. Publication is explicit and
// one-way: an already-published reconciliation returns its existing
// identifiers without writing again.
func (s *ReconciliationService) PublishToGovernancePDS(ctx context.Context, id string) (*PublishedRecord, error) {
	if s.governance == nil {
		return nil, fmt.Errorf("%w: no governance repository configured", ErrValidation)
	}

	rec, err := s.store.GetReconciliationByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading reconciliation: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("reconciliation %s: %w", id, ErrNotFound)
	}
	if rec.Published() {
		return &PublishedRecord{URI: rec.ATProtoURI, CID: rec.ATProtoCID}, nil
	}

	payload := governanceRecord{
		Type:         GovernanceCollection,
		ImportURI:    rec.ImportURI,
		CanonicalURI: rec.CanonicalURI,
		Kind:         string(rec.Type),
		Evidence:     rec.Evidence,
		Status:       string(rec.Status),
		VerifiedBy:   rec.VerifiedBy,
		VerifiedAt:   rec.VerifiedAt,
		Notes:        rec.Notes,
		CreatedAt:    rec.CreatedAt,
	}

	published, err := s.governance.CreateRecord(ctx, GovernanceCollection, payload)
	if err != nil {
		return nil, fmt.Errorf("publishing to governance repository: %w", err)
	}

	if err := s.store.SetReconciliationPublished(ctx, id, published.URI, published.CID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("stamping published identifiers: %w", err)
	}

	s.logger.Info("reconciliation published",
		"id", id,
		"uri", published.URI,
		"cid", published.CID,
	)
	return published, nil
}
