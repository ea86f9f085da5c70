// Package pds fetches records from remote personal data servers over XRPC.
//
// The client draws a hard line between "the record does not exist" and "the
// host could not be reached": the first maps to engine.ErrNotFound and is a
// delete signal, the second to a TransientError and is retriable. Conflating
// them would turn every PDS outage into a wave of spurious tombstones.
package pds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avidx/internal/engine"
	"avidx/internal/model"
)

// DefaultTimeout bounds each outbound fetch. A timed-out fetch is a
// transient failure, never a delete signal.
const DefaultTimeout = 5 * time.Second

// Client fetches single records from remote PDSes via
// com.atproto.repo.getRecord.
type Client struct {
	http   *http.Client
	logger engine.Logger
}

func NewClient(timeout time.Duration, logger engine.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// xrpcError is the error body XRPC endpoints return on non-2xx responses.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// getRecordResponse is the success body of com.atproto.repo.getRecord.
type getRecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// GetRecord fetches one record from its PDS. Returns engine.ErrNotFound when
// the PDS reports the record (or the whole repo) gone, and a TransientError
// for timeouts, connection failures, and 5xx responses.
func (c *Client) GetRecord(ctx context.Context, pdsURL string, uri model.ATURI) (*engine.RemoteRecord, error) {
	endpoint := strings.TrimSuffix(pdsURL, "/") + "/xrpc/com.atproto.repo.getRecord"
	params := url.Values{}
	params.Set("repo", uri.DID)
	params.Set("collection", uri.Collection)
	params.Set("rkey", uri.RKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeout, DNS failure, connection refused: the host state is
		// unknown, not the record's.
		return nil, engine.Transient("fetching record from "+pdsURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, engine.Transient("reading response from "+pdsURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var rec getRecordResponse
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("decoding record response: %w", err)
		}
		if rec.CID == "" {
			return nil, fmt.Errorf("record response from %s missing cid", pdsURL)
		}
		return &engine.RemoteRecord{URI: rec.URI, CID: rec.CID, Value: rec.Value}, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("record %s on %s: %w", uri.String(), pdsURL, engine.ErrNotFound)

	case resp.StatusCode == http.StatusBadRequest:
		// XRPC reports a missing record as a 400 with a named error.
		var xe xrpcError
		if err := json.Unmarshal(body, &xe); err == nil && isNotFoundError(xe.Error) {
			return nil, fmt.Errorf("record %s on %s: %s: %w", uri.String(), pdsURL, xe.Error, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("pds %s rejected request: %s", pdsURL, strings.TrimSpace(string(body)))

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.Transient(
			fmt.Sprintf("pds %s returned %d", pdsURL, resp.StatusCode),
			errors.New(strings.TrimSpace(string(body))),
		)

	default:
		return nil, fmt.Errorf("pds %s returned unexpected status %d", pdsURL, resp.StatusCode)
	}
}

// isNotFoundError matches the XRPC error names that mean the record is gone
// for good rather than temporarily unavailable.
func isNotFoundError(name string) bool {
	switch name {
	case "RecordNotFound", "NotFound", "RepoNotFound", "RepoDeactivated", "RepoTakendown":
		return true
	}
	return false
}

// Compile-time check that Client implements the engine.PDSClient interface.
var _ engine.PDSClient = (*Client)(nil)
