package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"avidx/internal/config"
	"avidx/internal/database"
	"avidx/internal/engine"
	"avidx/internal/governance"
	"avidx/internal/model"
	"avidx/internal/pds"
)

// App is the application layer between the CLI and the engine services.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the DB lifecycle on Close.
type App struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	sync      *engine.PDSSyncService
	softDel   *engine.SoftDeleteManager
	ledger    *engine.VersionLedger
	reconcile *engine.ReconciliationService
	worker    *engine.FreshnessWorker
	scanner   *engine.StalenessScanner
	scheduler *engine.ScanScheduler
	op        *IndexOperation
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "RefreshRecord", "Scan").
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	clock := engine.RealClock{}
	pdsClient := pds.NewClient(cfg.PDS.Timeout.Duration, logger)

	// Governance publishing is optional: left nil unless a repo is configured.
	var govClient engine.GovernanceClient
	if cfg.Governance.PDSURL != "" {
		govClient = governance.NewClient(cfg.Governance.PDSURL, cfg.Governance.RepoDID, cfg.Governance.AccessToken, logger)
	}

	softDel := engine.NewSoftDeleteManager(store, logger, clock)
	syncSvc := engine.NewPDSSyncService(store, pdsClient, newProjectionReindexer(logger), softDel, logger, clock)
	ledger := engine.NewVersionLedger(store)
	reconcileSvc := engine.NewReconciliationService(store, govClient, logger, clock, engine.UUIDGenerator{})

	workerCfg := engine.DefaultWorkerConfig()
	if cfg.Worker.Concurrency > 0 {
		workerCfg.Concurrency = cfg.Worker.Concurrency
	}
	if cfg.Worker.QueueCapacity > 0 {
		workerCfg.QueueCapacity = cfg.Worker.QueueCapacity
	}
	if cfg.Worker.MaxAttempts > 0 {
		workerCfg.MaxAttempts = cfg.Worker.MaxAttempts
	}
	worker := engine.NewFreshnessWorker(syncSvc, workerCfg, logger)

	scannerCfg := engine.DefaultScannerConfig()
	if cfg.Scanner.BatchSize > 0 {
		scannerCfg.BatchSize = cfg.Scanner.BatchSize
	}
	if cfg.Scanner.UrgentCutoff.Duration > 0 {
		scannerCfg.UrgentCutoff = cfg.Scanner.UrgentCutoff.Duration
	}
	if cfg.Scanner.RecentCutoff.Duration > 0 {
		scannerCfg.RecentCutoff = cfg.Scanner.RecentCutoff.Duration
	}
	if cfg.Scanner.NormalCutoff.Duration > 0 {
		scannerCfg.NormalCutoff = cfg.Scanner.NormalCutoff.Duration
	}
	scanner := engine.NewStalenessScanner(store, worker, scannerCfg, logger, clock)

	interval := cfg.Scanner.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler := engine.NewScanScheduler(scanner, interval, logger)

	return &App{
		cfg:       cfg,
		store:     store,
		sync:      syncSvc,
		softDel:   softDel,
		ledger:    ledger,
		reconcile: reconcileSvc,
		worker:    worker,
		scanner:   scanner,
		scheduler: scheduler,
		op:        NewIndexOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// persistOperation saves the index operation to the database, giving it an
// auto-increment ID. This should only be called for DB-mutating commands.
func (a *App) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	dbOp, err := a.store.CreateOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// CheckStaleness compares the indexed CID of a record against its PDS
// without mutating the index.
func (a *App) CheckStaleness(ctx context.Context, uri string) (*engine.StalenessResult, error) {
	return a.sync.CheckStaleness(ctx, uri)
}

// RefreshRecord re-fetches one record from its PDS and updates the index.
func (a *App) RefreshRecord(ctx context.Context, uri string) (*engine.RefreshResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	return a.sync.RefreshRecord(ctx, uri)
}

// Verify reports full consistency metadata for one record.
func (a *App) Verify(ctx context.Context, uri string) (*engine.VerifyResult, error) {
	return a.sync.Verify(ctx, uri)
}

// MarkDeleted tombstones a record in the index.
func (a *App) MarkDeleted(ctx context.Context, uri string, source model.DeletionSource) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	return a.softDel.MarkDeleted(ctx, uri, source)
}

// NextVersion computes the next semantic version and concurrency token for a
// record update.
func (a *App) NextVersion(ctx context.Context, uri string, current *model.SemanticVersion, kind model.BumpKind) (*engine.NextVersionResult, error) {
	return a.ledger.NextVersion(ctx, uri, current, kind)
}

// CreateReconciliation links an imported record to its canonical counterpart.
func (a *App) CreateReconciliation(ctx context.Context, in engine.CreateReconciliationInput) (*model.Reconciliation, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	return a.reconcile.Create(ctx, in)
}

// GetReconciliationByImportURI returns the reconciliation for an imported
// record, or nil if none exists.
func (a *App) GetReconciliationByImportURI(ctx context.Context, importURI string) (*model.Reconciliation, error) {
	return a.reconcile.GetByImportURI(ctx, importURI)
}

// SetReconciliationStatus changes the review status of a reconciliation.
func (a *App) SetReconciliationStatus(ctx context.Context, id string, status model.ReconciliationStatus, notes string) (*model.Reconciliation, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	return a.reconcile.UpdateStatus(ctx, id, status, notes)
}

// PublishReconciliation publishes a reconciliation to the governance repo.
func (a *App) PublishReconciliation(ctx context.Context, id string) (*engine.PublishedRecord, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	return a.reconcile.PublishToGovernancePDS(ctx, id)
}

// ScanOnce runs a single staleness scan and drains the resulting job queue
// before returning. Used by the one-shot scan command.
func (a *App) ScanOnce(ctx context.Context) (*engine.ScanRunResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	if err := a.worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	defer a.worker.Stop()

	result := a.scanner.Scan(ctx)

	// Wait for the enqueued refreshes to finish.
	for a.worker.QueueDepth() > 0 {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return result, nil
}

// Run starts the freshness worker and the periodic scan scheduler, then
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.worker.Stop()
		return fmt.Errorf("starting scheduler: %w", err)
	}

	<-ctx.Done()

	a.scheduler.Stop()
	a.worker.Stop()
	return nil
}

// StatusReport summarizes engine state for the status command.
type StatusReport struct {
	PDSes      []model.PDSSyncStatus `json:"pdses"`
	LastScan   *engine.ScanRunResult `json:"lastScan,omitempty"`
	QueueDepth int                   `json:"queueDepth"`
}

// Status reports per-PDS sync counters and the most recent scan run.
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	statuses, err := a.store.ListPDSSyncStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pds statuses: %w", err)
	}
	return &StatusReport{
		PDSes:      statuses,
		LastScan:   a.scanner.LastRun(),
		QueueDepth: a.worker.QueueDepth(),
	}, nil
}

// History returns the most recent persisted operations.
func (a *App) History(ctx context.Context, limit int) ([]database.Operation, error) {
	return a.store.ListOperations(ctx, limit)
}

// SetOperationStatus marks the current operation as failed. Recorded when the
// CLI command errors out.
func (a *App) SetOperationStatus(status string) {
	a.op.Status = status
}

// Close finalizes the operation record and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.store.FinishOperation(context.Background(), a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}

	if err := a.store.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("closing store: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
