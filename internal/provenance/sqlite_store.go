package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql
)

// SQLiteStore is the default, embedded Store implementation. It follows the
// same WAL-mode, single-writer discipline as the teacher's alert queue:
// journal_mode=WAL lets readers and the one writer proceed concurrently,
// and the connection pool is capped at one connection so concurrent
// Engine callers serialize through SQLite's own locking rather than
// racing each other for a writer slot. Unlike a delivery queue, the
// record store is the system of record, so synchronous=FULL is used
// instead of NORMAL: every commit is fsync-durable before it returns.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS cases (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    case_uuid    TEXT    NOT NULL UNIQUE,
    filename     TEXT    NOT NULL,
    created_time TEXT    NOT NULL,
    system_id    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_filename ON cases (filename);

CREATE TABLE IF NOT EXISTS file_versions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id     INTEGER NOT NULL REFERENCES cases(id),
    version     INTEGER NOT NULL,
    stored_path TEXT    NOT NULL,
    file_hash   TEXT    NOT NULL,
    file_size   INTEGER NOT NULL,
    mime_type   TEXT,
    upload_time TEXT    NOT NULL,
    system_id   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_versions_case ON file_versions (case_id);

CREATE TABLE IF NOT EXISTS provenance_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id         INTEGER NOT NULL REFERENCES cases(id),
    file_version_id INTEGER REFERENCES file_versions(id),
    action          TEXT    NOT NULL,
    file_hash       TEXT    NOT NULL,
    prev_hash       TEXT    NOT NULL,
    curr_hash       TEXT    NOT NULL,
    timestamp       TEXT    NOT NULL,
    system_id       TEXT    NOT NULL,
    request_id      TEXT    NOT NULL,
    client_ip       TEXT,
    user_agent      TEXT,
    record_hmac     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_case ON provenance_events (case_id);
`

// OpenSQLiteStore opens (or creates) the SQLite database at path, enables
// WAL mode, applies the schema, and returns a ready Store. path may be
// ":memory:" for tests, though each :memory: connection is private to its
// *sql.DB, which is why the pool is capped at one connection below
// regardless.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("provenance: open sqlite %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; capping the pool avoids
	// "database is locked" errors under concurrent Engine calls by
	// serializing them through this single connection instead.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provenance: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provenance: enable foreign keys: %w", err)
	}
	// FULL synchronous: the record store is the system of record, so every
	// commit must be fsync-durable even across an OS crash, not just an
	// application crash.
	if _, err := db.Exec(`PRAGMA synchronous = FULL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provenance: set synchronous = FULL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provenance: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreateCaseByFilename(ctx context.Context, filename, systemID string) (Case, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Case{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id
		 FROM cases WHERE filename = ? ORDER BY id DESC LIMIT 1`, filename)
	c, err := scanCase(row)
	if err == nil {
		return c, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Case{}, fmt.Errorf("%w: lookup case: %v", ErrStoreIO, err)
	}

	caseUUID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO cases (case_uuid, filename, created_time, system_id) VALUES (?, ?, ?, ?)`,
		caseUUID, filename, now.Format(time.RFC3339), systemID)
	if err != nil {
		return Case{}, fmt.Errorf("%w: insert case: %v", ErrStoreIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Case{}, fmt.Errorf("%w: case last insert id: %v", ErrStoreIO, err)
	}

	newCase := Case{ID: id, CaseUUID: caseUUID, Filename: filename, CreatedTime: now, SystemID: systemID}
	return newCase, tx.Commit()
}

func (s *SQLiteStore) GetCase(ctx context.Context, id int64) (Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrMissingHistory
	}
	if err != nil {
		return Case{}, fmt.Errorf("%w: get case: %v", ErrStoreIO, err)
	}
	return c, nil
}

func (s *SQLiteStore) GetLatestCaseByFilename(ctx context.Context, filename string) (Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id
		 FROM cases WHERE filename = ? ORDER BY id DESC LIMIT 1`, filename)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrMissingHistory
	}
	if err != nil {
		return Case{}, fmt.Errorf("%w: get latest case: %v", ErrStoreIO, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListRecentCases(ctx context.Context, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id FROM cases ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list recent cases: %v", ErrStoreIO, err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan case: %v", ErrStoreIO, err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (s *SQLiteStore) CreateFileVersion(ctx context.Context, caseID int64, storedPath, fileHash string, fileSize int64, mimeType *string, systemID string) (FileVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback()

	var nextVersion int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions WHERE case_id = ?`, caseID,
	).Scan(&nextVersion); err != nil {
		return FileVersion{}, fmt.Errorf("%w: allocate version: %v", ErrStoreIO, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO file_versions (case_id, version, stored_path, file_hash, file_size, mime_type, upload_time, system_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		caseID, nextVersion, storedPath, fileHash, fileSize, mimeType, now.Format(time.RFC3339), systemID)
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: insert file version: %v", ErrStoreIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: file version last insert id: %v", ErrStoreIO, err)
	}

	fv := FileVersion{
		ID: id, CaseID: caseID, Version: nextVersion, StoredPath: storedPath,
		FileHash: fileHash, FileSize: fileSize, MimeType: mimeType,
		UploadTime: now, SystemID: systemID,
	}
	return fv, tx.Commit()
}

func (s *SQLiteStore) GetLatestFileVersion(ctx context.Context, caseID int64) (FileVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, version, stored_path, file_hash, file_size, mime_type, upload_time, system_id
		 FROM file_versions WHERE case_id = ? ORDER BY version DESC LIMIT 1`, caseID)
	fv, err := scanFileVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileVersion{}, ErrMissingHistory
	}
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: get latest file version: %v", ErrStoreIO, err)
	}
	return fv, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, in AppendInput, systemID string, seal Seal) (ProvenanceEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	row := tx.QueryRowContext(ctx,
		`SELECT curr_hash FROM provenance_events WHERE case_id = ? ORDER BY id DESC LIMIT 1`, in.CaseID)
	if err := row.Scan(&prevHash); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return ProvenanceEvent{}, fmt.Errorf("%w: read last event: %v", ErrStoreIO, err)
		}
		prevHash = GenesisHash
	}

	ts := time.Now().UTC().Truncate(time.Second)
	currHash, recordHMAC := seal(prevHash, ts)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO provenance_events
		   (case_id, file_version_id, action, file_hash, prev_hash, curr_hash, timestamp, system_id, request_id, client_ip, user_agent, record_hmac)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.CaseID, in.FileVersionID, string(in.Action), in.FileHash, prevHash, currHash,
		ts.Format(time.RFC3339), systemID, in.RequestID, in.ClientIP, in.UserAgent, recordHMAC)
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: insert event: %v", ErrStoreIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: event last insert id: %v", ErrStoreIO, err)
	}

	event := ProvenanceEvent{
		ID: id, CaseID: in.CaseID, FileVersionID: in.FileVersionID, Action: in.Action,
		FileHash: in.FileHash, PrevHash: prevHash, CurrHash: currHash, Timestamp: ts,
		SystemID: systemID, RequestID: in.RequestID, ClientIP: in.ClientIP, UserAgent: in.UserAgent,
		RecordHMAC: recordHMAC,
	}
	return event, tx.Commit()
}

func (s *SQLiteStore) ListProvenanceEvents(ctx context.Context, caseID int64) ([]ProvenanceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, file_version_id, action, file_hash, prev_hash, curr_hash, timestamp, system_id, request_id, client_ip, user_agent, record_hmac
		 FROM provenance_events WHERE case_id = ? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrStoreIO, err)
	}
	defer rows.Close()

	var events []ProvenanceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrStoreIO, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scan helpers shared across query/queryrow result shapes ---

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanCase(s sqliteScanner) (Case, error) {
	var c Case
	var createdTime string
	if err := s.Scan(&c.ID, &c.CaseUUID, &c.Filename, &createdTime, &c.SystemID); err != nil {
		return Case{}, err
	}
	t, err := time.Parse(time.RFC3339, createdTime)
	if err != nil {
		return Case{}, fmt.Errorf("parse created_time: %w", err)
	}
	c.CreatedTime = t
	return c, nil
}

func scanFileVersion(s sqliteScanner) (FileVersion, error) {
	var fv FileVersion
	var uploadTime string
	var mimeType sql.NullString
	if err := s.Scan(&fv.ID, &fv.CaseID, &fv.Version, &fv.StoredPath, &fv.FileHash, &fv.FileSize, &mimeType, &uploadTime, &fv.SystemID); err != nil {
		return FileVersion{}, err
	}
	t, err := time.Parse(time.RFC3339, uploadTime)
	if err != nil {
		return FileVersion{}, fmt.Errorf("parse upload_time: %w", err)
	}
	fv.UploadTime = t
	if mimeType.Valid {
		fv.MimeType = &mimeType.String
	}
	return fv, nil
}

func scanEvent(s sqliteScanner) (ProvenanceEvent, error) {
	var e ProvenanceEvent
	var (
		action        string
		ts            string
		fileVersionID sql.NullInt64
		clientIP      sql.NullString
		userAgent     sql.NullString
	)
	if err := s.Scan(&e.ID, &e.CaseID, &fileVersionID, &action, &e.FileHash, &e.PrevHash, &e.CurrHash,
		&ts, &e.SystemID, &e.RequestID, &clientIP, &userAgent, &e.RecordHMAC); err != nil {
		return ProvenanceEvent{}, err
	}
	e.Action = Action(action)
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}
	e.Timestamp = parsed
	if fileVersionID.Valid {
		e.FileVersionID = &fileVersionID.Int64
	}
	if clientIP.Valid {
		e.ClientIP = &clientIP.String
	}
	if userAgent.Valid {
		e.UserAgent = &userAgent.String
	}
	return e, nil
}
