package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"avidx/internal/engine"
	"avidx/internal/model"
)

// FakePDSClient serves records from an in-memory map keyed by AT-URI.
// URIs without an entry return engine.ErrNotFound. Safe for concurrent use.
type FakePDSClient struct {
	mu      sync.Mutex
	records map[string]*engine.RemoteRecord
	errs    map[string]error
	Calls   []string
}

func NewFakePDSClient() *FakePDSClient {
	return &FakePDSClient{
		records: make(map[string]*engine.RemoteRecord),
		errs:    make(map[string]error),
	}
}

// SetRecord registers a remote record for the given URI.
func (c *FakePDSClient) SetRecord(uri, cid string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[uri] = &engine.RemoteRecord{URI: uri, CID: cid, Value: value}
}

// SetError makes fetches for the given URI fail with err.
func (c *FakePDSClient) SetError(uri string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[uri] = err
}

// Remove deletes the record, making subsequent fetches return ErrNotFound.
func (c *FakePDSClient) Remove(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, uri)
}

func (c *FakePDSClient) GetRecord(_ context.Context, pdsURL string, uri model.ATURI) (*engine.RemoteRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := uri.String()
	c.Calls = append(c.Calls, key)
	if err, ok := c.errs[key]; ok {
		return nil, err
	}
	rec, ok := c.records[key]
	if !ok {
		return nil, fmt.Errorf("record %s on %s: %w", key, pdsURL, engine.ErrNotFound)
	}
	return rec, nil
}

// CallCount returns how many fetches the fake has served. Safe to poll while
// workers are running.
func (c *FakePDSClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

var _ engine.PDSClient = (*FakePDSClient)(nil)

// IndexedCall records one reindex invocation.
type IndexedCall struct {
	URI   string
	CID   string
	Value json.RawMessage
}

// RecordingReindexer captures reindex calls for assertions.
type RecordingReindexer struct {
	mu    sync.Mutex
	Err   error
	calls []IndexedCall
}

func NewRecordingReindexer() *RecordingReindexer {
	return &RecordingReindexer{}
}

func (r *RecordingReindexer) IndexRecord(_ context.Context, uri string, cid string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.calls = append(r.calls, IndexedCall{URI: uri, CID: cid, Value: value})
	return nil
}

// Calls returns a copy of the recorded reindex calls.
func (r *RecordingReindexer) Calls() []IndexedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IndexedCall, len(r.calls))
	copy(out, r.calls)
	return out
}

var _ engine.Reindexer = (*RecordingReindexer)(nil)

// FakeGovernanceClient assigns deterministic URIs and CIDs to created records.
type FakeGovernanceClient struct {
	mu      sync.Mutex
	Err     error
	counter int
	Created []any
}

func NewFakeGovernanceClient() *FakeGovernanceClient {
	return &FakeGovernanceClient{}
}

func (c *FakeGovernanceClient) CreateRecord(_ context.Context, collection string, record any) (*engine.PublishedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.counter++
	c.Created = append(c.Created, record)
	return &engine.PublishedRecord{
		URI: fmt.Sprintf("at://did:plc:governance/%s/rkey%d", collection, c.counter),
		CID: fmt.Sprintf("bafygov%d", c.counter),
	}, nil
}

var _ engine.GovernanceClient = (*FakeGovernanceClient)(nil)

// FakeJobQueue collects enqueued jobs without processing them.
type FakeJobQueue struct {
	mu   sync.Mutex
	Err  error
	jobs []model.FreshnessJob
}

func NewFakeJobQueue() *FakeJobQueue {
	return &FakeJobQueue{}
}

func (q *FakeJobQueue) EnqueueBatch(jobs []model.FreshnessJob) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	q.jobs = append(q.jobs, jobs...)
	return len(jobs), nil
}

// Jobs returns a copy of everything enqueued so far.
func (q *FakeJobQueue) Jobs() []model.FreshnessJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.FreshnessJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

var _ engine.JobQueue = (*FakeJobQueue)(nil)
