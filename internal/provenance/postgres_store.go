package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is an alternative Store implementation for operators who
// want the record store on a separate host rather than embedded SQLite. It
// mirrors the teacher dashboard's pgxpool wiring (connect, ping, pool) and
// satisfies the same Store interface as SQLiteStore, so Engine never
// branches on which backend is in use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS cases (
    id           BIGSERIAL PRIMARY KEY,
    case_uuid    TEXT        NOT NULL UNIQUE,
    filename     TEXT        NOT NULL,
    created_time TIMESTAMPTZ NOT NULL,
    system_id    TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_filename ON cases (filename);

CREATE TABLE IF NOT EXISTS file_versions (
    id          BIGSERIAL PRIMARY KEY,
    case_id     BIGINT      NOT NULL REFERENCES cases(id),
    version     BIGINT      NOT NULL,
    stored_path TEXT        NOT NULL,
    file_hash   TEXT        NOT NULL,
    file_size   BIGINT      NOT NULL,
    mime_type   TEXT,
    upload_time TIMESTAMPTZ NOT NULL,
    system_id   TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_versions_case ON file_versions (case_id);

CREATE TABLE IF NOT EXISTS provenance_events (
    id              BIGSERIAL PRIMARY KEY,
    case_id         BIGINT      NOT NULL REFERENCES cases(id),
    file_version_id BIGINT      REFERENCES file_versions(id),
    action          TEXT        NOT NULL,
    file_hash       TEXT        NOT NULL,
    prev_hash       TEXT        NOT NULL,
    curr_hash       TEXT        NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL,
    system_id       TEXT        NOT NULL,
    request_id      TEXT        NOT NULL,
    client_ip       TEXT,
    user_agent      TEXT,
    record_hmac     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_case ON provenance_events (case_id);
`

// OpenPostgresStore connects a pgxpool to connStr, pings it, and applies the
// schema.
func OpenPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("provenance: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("provenance: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("provenance: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetOrCreateCaseByFilename(ctx context.Context, filename, systemID string) (Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id
		 FROM cases WHERE filename = $1 ORDER BY id DESC LIMIT 1`, filename)
	c, err := scanPGCase(row)
	if err == nil {
		return c, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("%w: lookup case: %v", ErrStoreIO, err)
	}

	caseUUID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO cases (case_uuid, filename, created_time, system_id) VALUES ($1, $2, $3, $4) RETURNING id`,
		caseUUID, filename, now, systemID,
	).Scan(&id); err != nil {
		return Case{}, fmt.Errorf("%w: insert case: %v", ErrStoreIO, err)
	}

	newCase := Case{ID: id, CaseUUID: caseUUID, Filename: filename, CreatedTime: now, SystemID: systemID}
	return newCase, tx.Commit(ctx)
}

func (s *PostgresStore) GetCase(ctx context.Context, id int64) (Case, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id FROM cases WHERE id = $1`, id)
	c, err := scanPGCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrMissingHistory
	}
	if err != nil {
		return Case{}, fmt.Errorf("%w: get case: %v", ErrStoreIO, err)
	}
	return c, nil
}

func (s *PostgresStore) GetLatestCaseByFilename(ctx context.Context, filename string) (Case, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id
		 FROM cases WHERE filename = $1 ORDER BY id DESC LIMIT 1`, filename)
	c, err := scanPGCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrMissingHistory
	}
	if err != nil {
		return Case{}, fmt.Errorf("%w: get latest case: %v", ErrStoreIO, err)
	}
	return c, nil
}

func (s *PostgresStore) ListRecentCases(ctx context.Context, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, case_uuid, filename, created_time, system_id FROM cases ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list recent cases: %v", ErrStoreIO, err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanPGCase(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan case: %v", ErrStoreIO, err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (s *PostgresStore) CreateFileVersion(ctx context.Context, caseID int64, storedPath, fileHash string, fileSize int64, mimeType *string, systemID string) (FileVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback(ctx)

	var nextVersion int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions WHERE case_id = $1`, caseID,
	).Scan(&nextVersion); err != nil {
		return FileVersion{}, fmt.Errorf("%w: allocate version: %v", ErrStoreIO, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO file_versions (case_id, version, stored_path, file_hash, file_size, mime_type, upload_time, system_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		caseID, nextVersion, storedPath, fileHash, fileSize, mimeType, now, systemID,
	).Scan(&id); err != nil {
		return FileVersion{}, fmt.Errorf("%w: insert file version: %v", ErrStoreIO, err)
	}

	fv := FileVersion{
		ID: id, CaseID: caseID, Version: nextVersion, StoredPath: storedPath,
		FileHash: fileHash, FileSize: fileSize, MimeType: mimeType,
		UploadTime: now, SystemID: systemID,
	}
	return fv, tx.Commit(ctx)
}

func (s *PostgresStore) GetLatestFileVersion(ctx context.Context, caseID int64) (FileVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, case_id, version, stored_path, file_hash, file_size, mime_type, upload_time, system_id
		 FROM file_versions WHERE case_id = $1 ORDER BY version DESC LIMIT 1`, caseID)
	fv, err := scanPGFileVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileVersion{}, ErrMissingHistory
	}
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: get latest file version: %v", ErrStoreIO, err)
	}
	return fv, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, in AppendInput, systemID string, seal Seal) (ProvenanceEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: begin tx: %v", ErrStoreIO, err)
	}
	defer tx.Rollback(ctx)

	// Lock the case row so concurrent appends to the same case serialize and
	// the later one reads the earlier one's curr_hash as its prev_hash.
	if _, err := tx.Exec(ctx, `SELECT id FROM cases WHERE id = $1 FOR UPDATE`, in.CaseID); err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: lock case: %v", ErrStoreIO, err)
	}

	prevHash := GenesisHash
	err = tx.QueryRow(ctx,
		`SELECT curr_hash FROM provenance_events WHERE case_id = $1 ORDER BY id DESC LIMIT 1`, in.CaseID,
	).Scan(&prevHash)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return ProvenanceEvent{}, fmt.Errorf("%w: read last event: %v", ErrStoreIO, err)
		}
		prevHash = GenesisHash
	}

	ts := time.Now().UTC().Truncate(time.Second)
	currHash, recordHMAC := seal(prevHash, ts)

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO provenance_events
		   (case_id, file_version_id, action, file_hash, prev_hash, curr_hash, timestamp, system_id, request_id, client_ip, user_agent, record_hmac)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		in.CaseID, in.FileVersionID, string(in.Action), in.FileHash, prevHash, currHash,
		ts, systemID, in.RequestID, in.ClientIP, in.UserAgent, recordHMAC,
	).Scan(&id); err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: insert event: %v", ErrStoreIO, err)
	}

	event := ProvenanceEvent{
		ID: id, CaseID: in.CaseID, FileVersionID: in.FileVersionID, Action: in.Action,
		FileHash: in.FileHash, PrevHash: prevHash, CurrHash: currHash, Timestamp: ts,
		SystemID: systemID, RequestID: in.RequestID, ClientIP: in.ClientIP, UserAgent: in.UserAgent,
		RecordHMAC: recordHMAC,
	}
	return event, tx.Commit(ctx)
}

func (s *PostgresStore) ListProvenanceEvents(ctx context.Context, caseID int64) ([]ProvenanceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, case_id, file_version_id, action, file_hash, prev_hash, curr_hash, timestamp, system_id, request_id, client_ip, user_agent, record_hmac
		 FROM provenance_events WHERE case_id = $1 ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrStoreIO, err)
	}
	defer rows.Close()

	var events []ProvenanceEvent
	for rows.Next() {
		e, err := scanPGEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrStoreIO, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scan helpers ---

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGCase(s pgScanner) (Case, error) {
	var c Case
	if err := s.Scan(&c.ID, &c.CaseUUID, &c.Filename, &c.CreatedTime, &c.SystemID); err != nil {
		return Case{}, err
	}
	return c, nil
}

func scanPGFileVersion(s pgScanner) (FileVersion, error) {
	var fv FileVersion
	var mimeType *string
	if err := s.Scan(&fv.ID, &fv.CaseID, &fv.Version, &fv.StoredPath, &fv.FileHash, &fv.FileSize, &mimeType, &fv.UploadTime, &fv.SystemID); err != nil {
		return FileVersion{}, err
	}
	fv.MimeType = mimeType
	return fv, nil
}

func scanPGEvent(s pgScanner) (ProvenanceEvent, error) {
	var e ProvenanceEvent
	var action string
	var fileVersionID *int64
	var clientIP, userAgent *string
	if err := s.Scan(&e.ID, &e.CaseID, &fileVersionID, &action, &e.FileHash, &e.PrevHash, &e.CurrHash,
		&e.Timestamp, &e.SystemID, &e.RequestID, &clientIP, &userAgent, &e.RecordHMAC); err != nil {
		return ProvenanceEvent{}, err
	}
	e.Action = Action(action)
	e.FileVersionID = fileVersionID
	e.ClientIP = clientIP
	e.UserAgent = userAgent
	return e, nil
}
