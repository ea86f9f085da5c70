package model

import (
	"fmt"
	"time"
)

// DeletionSource records which signal caused a record to be tombstoned.
type DeletionSource string

const (
	DeletionSourcePDSNotFound DeletionSource = "pds-not-found"
	DeletionSourceTombstone   DeletionSource = "tombstone-event"
	DeletionSourceAdmin       DeletionSource = "admin"
)

// Valid reports whether s is a known deletion source.
func (s DeletionSource) Valid() bool {
	switch s {
	case DeletionSourcePDSNotFound, DeletionSourceTombstone, DeletionSourceAdmin:
		return true
	}
	return false
}

// Priority orders freshness jobs. Urgent jobs are served before recent,
// recent before normal, normal before background.
type Priority string

const (
	PriorityUrgent     Priority = "urgent"
	PriorityRecent     Priority = "recent"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// NumPriorities is the number of distinct priority tiers.
const NumPriorities = 4

// Rank returns the dequeue order of the priority: 0 is served first.
// Unknown priorities rank last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityRecent:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// JobSource identifies what triggered a freshness job.
type JobSource string

const (
	JobSourceScan    JobSource = "scan"
	JobSourceAdmin   JobSource = "admin"
	JobSourceUser    JobSource = "user"
	JobSourceRecheck JobSource = "recheck"
)

// CheckType identifies the kind of verification a job performs.
type CheckType string

const CheckTypeStaleness CheckType = "staleness"

// IndexedRecord is the locally cached projection of one remotely-owned record.
// CID reflects the last confirmed remote state, not necessarily the current
// one. DeletedAt is set at most once; this engine never undeletes.
type IndexedRecord struct {
	URI            string
	CID            string
	PDSURL         string
	LastSyncedAt   time.Time
	DeletedAt      *time.Time
	DeletionSource DeletionSource
}

// Deleted reports whether the record has been tombstoned.
func (r *IndexedRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// PDSSyncStatus carries per-host operational counters. The counters are
// monotonic and exist for visibility, not correctness.
type PDSSyncStatus struct {
	PDSURL              string
	FreshnessCheckCount int64
	LastFreshnessCheck  time.Time
	RecordsRefreshed    int64
	RecordsDeleted      int64
}

// FreshnessJob is one unit of re-verification work. Jobs are value objects;
// duplicates for the same URI may be enqueued and the refresh primitive
// handles them idempotently.
type FreshnessJob struct {
	URI          string
	PDSURL       string
	LastSyncedAt time.Time
	Priority     Priority
	CheckType    CheckType
	Source       JobSource
	Attempt      int
}

// ReconciliationType describes how an imported record relates to a canonical one.
type ReconciliationType string

const (
	ReconciliationClaim     ReconciliationType = "claim"
	ReconciliationMerge     ReconciliationType = "merge"
	ReconciliationSupersede ReconciliationType = "supersede"
)

// Valid reports whether t is a known reconciliation type.
func (t ReconciliationType) Valid() bool {
	switch t {
	case ReconciliationClaim, ReconciliationMerge, ReconciliationSupersede:
		return true
	}
	return false
}

// ReconciliationStatus is the review state of a reconciliation.
type ReconciliationStatus string

const (
	ReconciliationVerified   ReconciliationStatus = "verified"
	ReconciliationDisputed   ReconciliationStatus = "disputed"
	ReconciliationSuperseded ReconciliationStatus = "superseded"
)

// Valid reports whether s is a known reconciliation status.
func (s ReconciliationStatus) Valid() bool {
	switch s {
	case ReconciliationVerified, ReconciliationDisputed, ReconciliationSuperseded:
		return true
	}
	return false
}

// Evidence is one piece of identity evidence supporting a reconciliation.
// Score is in [0,1]; scores are caller-supplied and not validated here.
type Evidence struct {
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Reconciliation links an imported record to a user-created canonical record.
// At most one reconciliation exists per ImportURI. ATProtoURI/ATProtoCID are
// set once the reconciliation has been published to the governance repository
// and are never cleared.
type Reconciliation struct {
	ID           string // UUID
	ImportURI    string
	CanonicalURI string
	Type         ReconciliationType
	Evidence     []Evidence
	Status       ReconciliationStatus
	VerifiedBy   string
	VerifiedAt   time.Time
	Notes        string
	ATProtoURI   string
	ATProtoCID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Published reports whether the reconciliation has been published to the
// governance repository.
func (r *Reconciliation) Published() bool {
	return r.ATProtoURI != ""
}

// BumpKind selects which component of a semantic version to increment.
type BumpKind string

const (
	BumpMajor BumpKind = "major"
	BumpMinor BumpKind = "minor"
	BumpPatch BumpKind = "patch"
)

// Valid reports whether k is a known bump kind.
func (k BumpKind) Valid() bool {
	switch k {
	case BumpMajor, BumpMinor, BumpPatch:
		return true
	}
	return false
}

// SemanticVersion is a major.minor.patch version. All components are
// non-negative.
type SemanticVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v SemanticVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
