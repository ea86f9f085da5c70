package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"avidx/internal/database/migrations"
	"avidx/internal/engine"
	"avidx/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the engine.Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens a new SQLite-backed store.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite connection with appropriate
// PRAGMAs. Exported for tools and tests that need a properly configured
// connection. path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys are OFF by default in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Scanner-driven workers and the on-demand path write concurrently;
	// wait for locks instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Record operations

const recordColumns = "uri, cid, pds_url, last_synced_at, deleted_at, deletion_source"

func scanRecord(row interface{ Scan(...any) error }) (*model.IndexedRecord, error) {
	var rec model.IndexedRecord
	var deletedAt sql.NullTime
	var deletionSource sql.NullString

	err := row.Scan(&rec.URI, &rec.CID, &rec.PDSURL, &rec.LastSyncedAt, &deletedAt, &deletionSource)
	if err != nil {
		return nil, err
	}

	if deletedAt.Valid {
		t := deletedAt.Time
		rec.DeletedAt = &t
	}
	if deletionSource.Valid {
		rec.DeletionSource = model.DeletionSource(deletionSource.String)
	}
	return &rec, nil
}

func (s *SQLiteStore) FindRecordByURI(ctx context.Context, uri string) (*model.IndexedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE uri = ?", uri)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding record by uri: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *model.IndexedRecord) error {
	var deletedAt sql.NullTime
	var deletionSource sql.NullString
	if rec.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *rec.DeletedAt, Valid: true}
		deletionSource = sql.NullString{String: string(rec.DeletionSource), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (uri, cid, pds_url, last_synced_at, deleted_at, deletion_source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			cid = excluded.cid,
			pds_url = excluded.pds_url,
			last_synced_at = excluded.last_synced_at`,
		rec.URI, rec.CID, rec.PDSURL, rec.LastSyncedAt, deletedAt, deletionSource)
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SelectStaleCandidates(ctx context.Context, before time.Time, after *time.Time, limit int) ([]model.IndexedRecord, error) {
	query := "SELECT " + recordColumns + ` FROM records
		WHERE deleted_at IS NULL AND last_synced_at <= ?`
	args := []any{before}
	if after != nil {
		query += " AND last_synced_at > ?"
		args = append(args, *after)
	}
	query += " ORDER BY last_synced_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting stale candidates: %w", err)
	}
	defer rows.Close()

	var records []model.IndexedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale candidate: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale candidates: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) UpdateRecordSync(ctx context.Context, uri string, cid string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE records SET cid = ?, last_synced_at = ? WHERE uri = ?",
		cid, syncedAt, uri)
	if err != nil {
		return fmt.Errorf("updating record sync: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchRecordSync(ctx context.Context, uri string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE records SET last_synced_at = ? WHERE uri = ?",
		syncedAt, uri)
	if err != nil {
		return fmt.Errorf("touching record sync: %w", err)
	}
	return nil
}

// MarkRecordDeleted tombstones a record in a single statement. The
// deleted_at IS NULL guard makes both the timestamp and the source
// first-write-wins: a second mark never overwrites either.
func (s *SQLiteStore) MarkRecordDeleted(ctx context.Context, uri string, source model.DeletionSource, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted_at = ?, deletion_source = ?
		WHERE uri = ? AND deleted_at IS NULL`,
		at, string(source), uri)
	if err != nil {
		return false, fmt.Errorf("marking record deleted: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// PDS status operations

const statusColumns = "pds_url, freshness_check_count, last_freshness_check, records_refreshed, records_deleted"

func (s *SQLiteStore) BumpPDSSyncStatus(ctx context.Context, pdsURL string, at time.Time, refreshed int64, deleted int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pds_sync_status (pds_url, freshness_check_count, last_freshness_check, records_refreshed, records_deleted)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(pds_url) DO UPDATE SET
			freshness_check_count = freshness_check_count + 1,
			last_freshness_check = excluded.last_freshness_check,
			records_refreshed = records_refreshed + excluded.records_refreshed,
			records_deleted = records_deleted + excluded.records_deleted`,
		pdsURL, at, refreshed, deleted)
	if err != nil {
		return fmt.Errorf("bumping pds sync status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPDSSyncStatus(ctx context.Context, pdsURL string) (*model.PDSSyncStatus, error) {
	var st model.PDSSyncStatus
	err := s.db.QueryRowContext(ctx,
		"SELECT "+statusColumns+" FROM pds_sync_status WHERE pds_url = ?", pdsURL).
		Scan(&st.PDSURL, &st.FreshnessCheckCount, &st.LastFreshnessCheck, &st.RecordsRefreshed, &st.RecordsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting pds sync status: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) ListPDSSyncStatuses(ctx context.Context) ([]model.PDSSyncStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+statusColumns+" FROM pds_sync_status ORDER BY pds_url")
	if err != nil {
		return nil, fmt.Errorf("listing pds sync statuses: %w", err)
	}
	defer rows.Close()

	var statuses []model.PDSSyncStatus
	for rows.Next() {
		var st model.PDSSyncStatus
		if err := rows.Scan(&st.PDSURL, &st.FreshnessCheckCount, &st.LastFreshnessCheck, &st.RecordsRefreshed, &st.RecordsDeleted); err != nil {
			return nil, fmt.Errorf("scanning pds sync status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pds sync statuses: %w", err)
	}
	return statuses, nil
}

// Reconciliation operations

const reconciliationColumns = `id, import_uri, canonical_uri, reconciliation_type, evidence,
	status, verified_by, verified_at, notes, atproto_uri, atproto_cid, created_at, updated_at`

func scanReconciliation(row interface{ Scan(...any) error }) (*model.Reconciliation, error) {
	var rec model.Reconciliation
	var evidence string

	err := row.Scan(&rec.ID, &rec.ImportURI, &rec.CanonicalURI, &rec.Type, &evidence,
		&rec.Status, &rec.VerifiedBy, &rec.VerifiedAt, &rec.Notes,
		&rec.ATProtoURI, &rec.ATProtoCID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence: %w", err)
	}
	return &rec, nil
}

// UpsertReconciliation inserts or, on an import_uri conflict, overwrites the
// linkage fields in place. The existing row keeps its id, created_at, and
// any published identifiers.
func (s *SQLiteStore) UpsertReconciliation(ctx context.Context, rec *model.Reconciliation) (*model.Reconciliation, error) {
	evidence := rec.Evidence
	if evidence == nil {
		evidence = []model.Evidence{}
	}
	encoded, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliations
			(id, import_uri, canonical_uri, reconciliation_type, evidence,
			 status, verified_by, verified_at, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(import_uri) DO UPDATE SET
			canonical_uri = excluded.canonical_uri,
			reconciliation_type = excluded.reconciliation_type,
			evidence = excluded.evidence,
			status = excluded.status,
			verified_by = excluded.verified_by,
			verified_at = excluded.verified_at,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		rec.ID, rec.ImportURI, rec.CanonicalURI, string(rec.Type), string(encoded),
		string(rec.Status), rec.VerifiedBy, rec.VerifiedAt, rec.Notes, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting reconciliation: %w", err)
	}

	return s.GetReconciliationByImportURI(ctx, rec.ImportURI)
}

func (s *SQLiteStore) GetReconciliationByID(ctx context.Context, id string) (*model.Reconciliation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+reconciliationColumns+" FROM reconciliations WHERE id = ?", id)

	rec, err := scanReconciliation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting reconciliation by id: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetReconciliationByImportURI(ctx context.Context, importURI string) (*model.Reconciliation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+reconciliationColumns+" FROM reconciliations WHERE import_uri = ?", importURI)

	rec, err := scanReconciliation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting reconciliation by import uri: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetReconciliationByCanonicalURI(ctx context.Context, canonicalURI string) (*model.Reconciliation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+reconciliationColumns+` FROM reconciliations
		WHERE canonical_uri = ? ORDER BY created_at LIMIT 1`, canonicalURI)

	rec, err := scanReconciliation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting reconciliation by canonical uri: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateReconciliationStatus(ctx context.Context, id string, status model.ReconciliationStatus, notes string, at time.Time) (*model.Reconciliation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliations
		SET status = ?,
			notes = CASE WHEN ? <> '' THEN ? ELSE notes END,
			updated_at = ?
		WHERE id = ?`,
		string(status), notes, notes, at, id)
	if err != nil {
		return nil, fmt.Errorf("updating reconciliation status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil // Not found
	}

	return s.GetReconciliationByID(ctx, id)
}

// SetReconciliationPublished stamps the published identifiers once. The
// atproto_uri = '' guard makes the stamp one-way.
func (s *SQLiteStore) SetReconciliationPublished(ctx context.Context, id string, atprotoURI string, atprotoCID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliations SET atproto_uri = ?, atproto_cid = ?, updated_at = ?
		WHERE id = ? AND atproto_uri = ''`,
		atprotoURI, atprotoCID, at, id)
	if err != nil {
		return fmt.Errorf("stamping reconciliation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Either the id is unknown or the row was already stamped.
		existing, err := s.GetReconciliationByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("reconciliation %s does not exist", id)
		}
	}
	return nil
}

// Operation tracking

// Operation records one CLI invocation that may mutate the index.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}

func (s *SQLiteStore) CreateOperation(ctx context.Context, operation string, parameters string) (*Operation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)",
		now, operation, parameters)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &Operation{ID: id, StartedAt: now, Operation: operation, Parameters: parameters}, nil
}

func (s *SQLiteStore) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE operations SET finished_at = ?, status = ? WHERE id = ?",
		time.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// MigrateUp brings the database schema to the latest version.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.Up(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteStore implements the engine.Store interface.
var _ engine.Store = (*SQLiteStore)(nil)
