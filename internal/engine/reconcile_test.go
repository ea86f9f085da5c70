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

const (
	importURI    = "at://did:plc:importer/org.avidx.import/rec1"
	canonicalURI = "at://did:plc:owner/app.bsky.actor.profile/self"
)

func newReconcileService(t *testing.T) (*engine.ReconciliationService, *testutil.FakeGovernanceClient, *testutil.StubClock) {
	t.Helper()
	store := testutil.NewTestStore(t)
	gov := testutil.NewFakeGovernanceClient()
	clock := testutil.FixedClock()
	svc := engine.NewReconciliationService(store, gov, engine.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	return svc, gov, clock
}

func claimInput() engine.CreateReconciliationInput {
	return engine.CreateReconciliationInput{
		ImportURI:    importURI,
		CanonicalURI: canonicalURI,
		Type:         model.ReconciliationClaim,
		Evidence:     []model.Evidence{{Type: "email_domain", Score: 0.9}},
		VerifiedBy:   "did:plc:moderator",
		Notes:        "claimed via support ticket",
	}
}

func TestReconciliationService_Create(t *testing.T) {
	t.Run("creates a verified reconciliation", func(t *testing.T) {
		svc, _, clock := newReconcileService(t)

		rec, err := svc.Create(context.Background(), claimInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if rec.ID != "id-1" {
			t.Errorf("ID = %q, want generated id-1", rec.ID)
		}
		if rec.Status != model.ReconciliationVerified {
			t.Errorf("Status = %q, want verified", rec.Status)
		}
		if !rec.VerifiedAt.Equal(clock.Now()) {
			t.Errorf("VerifiedAt = %v, want %v", rec.VerifiedAt, clock.Now())
		}
		if len(rec.Evidence) != 1 || rec.Evidence[0].Type != "email_domain" {
			t.Errorf("Evidence = %+v, want the supplied evidence", rec.Evidence)
		}
		if rec.Published() {
			t.Error("new reconciliation must not be published")
		}
	})

	t.Run("duplicate import keeps the original id", func(t *testing.T) {
		svc, _, clock := newReconcileService(t)
		ctx := context.Background()

		first, err := svc.Create(ctx, claimInput())
		if err != nil {
			t.Fatalf("first Create() error = %v", err)
		}

		clock.Advance(time.Hour)
		in := claimInput()
		in.CanonicalURI = "at://did:plc:other/app.bsky.actor.profile/self"
		in.Type = model.ReconciliationMerge
		second, err := svc.Create(ctx, in)
		if err != nil {
			t.Fatalf("second Create() error = %v", err)
		}

		if second.ID != first.ID {
			t.Errorf("ID = %q, want original %q", second.ID, first.ID)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt = %v, want original %v", second.CreatedAt, first.CreatedAt)
		}
		if second.CanonicalURI != in.CanonicalURI {
			t.Errorf("CanonicalURI = %q, want replacement %q", second.CanonicalURI, in.CanonicalURI)
		}
		if second.Type != model.ReconciliationMerge {
			t.Errorf("Type = %q, want merge", second.Type)
		}
		if second.Status != model.ReconciliationVerified {
			t.Errorf("Status = %q, want forced back to verified", second.Status)
		}
	})

	t.Run("validation", func(t *testing.T) {
		svc, _, _ := newReconcileService(t)
		ctx := context.Background()

		tests := []struct {
			name   string
			mutate func(*engine.CreateReconciliationInput)
		}{
			{name: "missing import uri", mutate: func(in *engine.CreateReconciliationInput) { in.ImportURI = "" }},
			{name: "missing canonical uri", mutate: func(in *engine.CreateReconciliationInput) { in.CanonicalURI = "" }},
			{name: "malformed import uri", mutate: func(in *engine.CreateReconciliationInput) { in.ImportURI = "https://not-at-uri" }},
			{name: "malformed canonical uri", mutate: func(in *engine.CreateReconciliationInput) { in.CanonicalURI = "at://did:plc:x" }},
			{name: "unknown type", mutate: func(in *engine.CreateReconciliationInput) { in.Type = "adopt" }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				in := claimInput()
				tt.mutate(&in)
				if _, err := svc.Create(ctx, in); !errors.Is(err, engine.ErrValidation) {
					t.Errorf("error = %v, want ErrValidation", err)
				}
			})
		}
	})
}

func TestReconciliationService_Lookups(t *testing.T) {
	svc, _, _ := newReconcileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, claimInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	byImport, err := svc.GetByImportURI(ctx, importURI)
	if err != nil {
		t.Fatalf("GetByImportURI() error = %v", err)
	}
	if byImport == nil || byImport.ID != created.ID {
		t.Errorf("GetByImportURI() = %+v, want id %q", byImport, created.ID)
	}

	byCanonical, err := svc.GetByCanonicalURI(ctx, canonicalURI)
	if err != nil {
		t.Fatalf("GetByCanonicalURI() error = %v", err)
	}
	if byCanonical == nil || byCanonical.ID != created.ID {
		t.Errorf("GetByCanonicalURI() = %+v, want id %q", byCanonical, created.ID)
	}

	if rec, _ := svc.GetByImportURI(ctx, "at://did:plc:none/c/r"); rec != nil {
		t.Errorf("GetByImportURI(absent) = %+v, want nil", rec)
	}
}

func TestReconciliationService_UpdateStatus(t *testing.T) {
	t.Run("moves to disputed", func(t *testing.T) {
		svc, _, _ := newReconcileService(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, claimInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		updated, err := svc.UpdateStatus(ctx, created.ID, model.ReconciliationDisputed, "ownership contested")
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if updated.Status != model.ReconciliationDisputed {
			t.Errorf("Status = %q, want disputed", updated.Status)
		}
		if updated.Notes != "ownership contested" {
			t.Errorf("Notes = %q, want the dispute note", updated.Notes)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		svc, _, _ := newReconcileService(t)

		_, err := svc.UpdateStatus(context.Background(), "id-1", model.ReconciliationStatus("pending"), "")
		if !errors.Is(err, engine.ErrValidation) {
			t.Errorf("error = %v, want ErrValidation", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, _, _ := newReconcileService(t)

		_, err := svc.UpdateStatus(context.Background(), "nope", model.ReconciliationDisputed, "")
		if !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestReconciliationService_PublishToGovernancePDS(t *testing.T) {
	t.Run("publishes and stamps identifiers", func(t *testing.T) {
		svc, gov, _ := newReconcileService(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, claimInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		published, err := svc.PublishToGovernancePDS(ctx, created.ID)
		if err != nil {
			t.Fatalf("PublishToGovernancePDS() error = %v", err)
		}
		if published.URI == "" || published.CID == "" {
			t.Fatalf("published = %+v, want uri and cid", published)
		}
		if len(gov.Created) != 1 {
			t.Fatalf("governance records created = %d, want 1", len(gov.Created))
		}

		stamped, _ := svc.GetByImportURI(ctx, importURI)
		if stamped.ATProtoURI != published.URI || stamped.ATProtoCID != published.CID {
			t.Errorf("stamped = %q/%q, want %q/%q", stamped.ATProtoURI, stamped.ATProtoCID, published.URI, published.CID)
		}
	})

	t.Run("second publish returns existing identifiers", func(t *testing.T) {
		svc, gov, _ := newReconcileService(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, claimInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		first, err := svc.PublishToGovernancePDS(ctx, created.ID)
		if err != nil {
			t.Fatalf("first publish error = %v", err)
		}
		second, err := svc.PublishToGovernancePDS(ctx, created.ID)
		if err != nil {
			t.Fatalf("second publish error = %v", err)
		}

		if second.URI != first.URI || second.CID != first.CID {
			t.Errorf("second = %+v, want first %+v", second, first)
		}
		if len(gov.Created) != 1 {
			t.Errorf("governance records created = %d, want exactly 1", len(gov.Created))
		}
	})

	t.Run("no governance repository configured", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		svc := engine.NewReconciliationService(store, nil, engine.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())

		_, err := svc.PublishToGovernancePDS(context.Background(), "id-1")
		if !errors.Is(err, engine.ErrValidation) {
			t.Errorf("error = %v, want ErrValidation", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, _, _ := newReconcileService(t)

		_, err := svc.PublishToGovernancePDS(context.Background(), "nope")
		if !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("create failure leaves row unpublished", func(t *testing.T) {
		svc, gov, _ := newReconcileService(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, claimInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		gov.Err = errors.New("governance pds down")

		if _, err := svc.PublishToGovernancePDS(ctx, created.ID); err == nil {
			t.Fatal("expected publish error")
		}

		rec, _ := svc.GetByImportURI(ctx, importURI)
		if rec.Published() {
			t.Error("failed publish must not stamp identifiers")
		}
	})
}
