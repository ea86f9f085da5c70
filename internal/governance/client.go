// Package governance publishes records to a governance PDS repo via XRPC.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"avidx/internal/engine"
)

const defaultTimeout = 10 * time.Second

// Client writes records into a governance repository through
// com.atproto.repo.createRecord, authenticating with a bearer token.
type Client struct {
	http        *http.Client
	pdsURL      string
	repoDID     string
	accessToken string
	logger      engine.Logger
}

func NewClient(pdsURL, repoDID, accessToken string, logger engine.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: defaultTimeout},
		pdsURL:      strings.TrimSuffix(pdsURL, "/"),
		repoDID:     repoDID,
		accessToken: accessToken,
		logger:      logger,
	}
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateRecord writes one record into the governance repo and returns the
// AT-URI and CID the PDS assigned to it.
func (c *Client) CreateRecord(ctx context.Context, collection string, record any) (*engine.PublishedRecord, error) {
	payload, err := json.Marshal(createRecordRequest{
		Repo:       c.repoDID,
		Collection: collection,
		Record:     record,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}

	endpoint := c.pdsURL + "/xrpc/com.atproto.repo.createRecord"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.Transient("publishing to "+c.pdsURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, engine.Transient("reading response from "+c.pdsURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var created createRecordResponse
		if err := json.Unmarshal(body, &created); err != nil {
			return nil, fmt.Errorf("decoding create response: %w", err)
		}
		if created.URI == "" || created.CID == "" {
			return nil, fmt.Errorf("create response from %s missing uri or cid", c.pdsURL)
		}
		return &engine.PublishedRecord{URI: created.URI, CID: created.CID}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("governance pds %s: %s: %w",
			c.pdsURL, strings.TrimSpace(string(body)), engine.ErrUnauthorized)

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.Transient(
			fmt.Sprintf("governance pds %s returned %d", c.pdsURL, resp.StatusCode),
			errors.New(strings.TrimSpace(string(body))),
		)

	default:
		return nil, fmt.Errorf("governance pds %s returned unexpected status %d: %s",
			c.pdsURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

var _ engine.GovernanceClient = (*Client)(nil)
