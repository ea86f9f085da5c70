package model

import (
	"testing"
	"time"
)

func TestPriority_Rank(t *testing.T) {
	order := []Priority{PriorityUrgent, PriorityRecent, PriorityNormal, PriorityBackground}
	for i, p := range order {
		if p.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", p, p.Rank(), i)
		}
	}
	if Priority("bogus").Rank() != NumPriorities-1 {
		t.Errorf("unknown priority should rank last")
	}
}

func TestValidators(t *testing.T) {
	if !DeletionSourceAdmin.Valid() || DeletionSource("oops").Valid() {
		t.Error("DeletionSource.Valid() misclassifies")
	}
	if !ReconciliationMerge.Valid() || ReconciliationType("adopt").Valid() {
		t.Error("ReconciliationType.Valid() misclassifies")
	}
	if !ReconciliationDisputed.Valid() || ReconciliationStatus("pending").Valid() {
		t.Error("ReconciliationStatus.Valid() misclassifies")
	}
	if !BumpMinor.Valid() || BumpKind("huge").Valid() {
		t.Error("BumpKind.Valid() misclassifies")
	}
}

func TestIndexedRecord_Deleted(t *testing.T) {
	rec := &IndexedRecord{URI: "at://did:plc:a/c/r"}
	if rec.Deleted() {
		t.Error("Deleted() = true without DeletedAt")
	}
	now := time.Now()
	rec.DeletedAt = &now
	if !rec.Deleted() {
		t.Error("Deleted() = false with DeletedAt set")
	}
}

func TestReconciliation_Published(t *testing.T) {
	rec := &Reconciliation{ID: "r1"}
	if rec.Published() {
		t.Error("Published() = true without ATProtoURI")
	}
	rec.ATProtoURI = "at://did:plc:gov/org.avidx.reconciliation/1"
	if !rec.Published() {
		t.Error("Published() = false with ATProtoURI set")
	}
}

func TestSemanticVersion_String(t *testing.T) {
	v := SemanticVersion{Major: 2, Minor: 10, Patch: 3}
	if got := v.String(); got != "2.10.3" {
		t.Errorf("String() = %q, want 2.10.3", got)
	}
}
