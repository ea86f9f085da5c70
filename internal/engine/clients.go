package engine

import (
	"context"
	"encoding/json"

	"avidx/internal/model"
)

// RemoteRecord is a record as served by its owning PDS.
type RemoteRecord struct {
	URI   string
	CID   string
	Value json.RawMessage
}

// PDSClient fetches a single record from a remote PDS.
//
// Implementations must distinguish "the record does not exist" (ErrNotFound)
// from "the host could not be reached" (TransientError) — the refresh
// primitive treats the first as a delete signal and the second as retriable.
type PDSClient interface {
	GetRecord(ctx context.Context, pdsURL string, uri model.ATURI) (*RemoteRecord, error)
}

// Reindexer is the ingestion path: given new record content and its CID, it
// persists the record's full projection. Invoked by a refresh when remote
// content has changed.
type Reindexer interface {
	IndexRecord(ctx context.Context, uri string, cid string, value json.RawMessage) error
}

// PublishedRecord identifies a record created in a remote repository.
type PublishedRecord struct {
	URI string
	CID string
}

// GovernanceClient writes records into the administratively-controlled
// governance repository. Optional; reconciliation publishing fails with
// ErrValidation when no client is configured.
type GovernanceClient interface {
	CreateRecord(ctx context.Context, collection string, record any) (*PublishedRecord, error)
}
