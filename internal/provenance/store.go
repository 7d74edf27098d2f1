package provenance

import (
	"context"
	"time"
)

// Seal computes curr_hash and record_hmac for a new event given the
// predecessor's curr_hash (or GenesisHash for the first event in a case)
// and the timestamp assigned to the new event. Store implementations call
// Seal from inside the same transaction that reads the last event and
// inserts the new row, so the read-last/compute/insert sequence is
// atomic with respect to concurrent appends on the same case.
type Seal func(prevHash string, timestamp time.Time) (currHash, recordHMAC string)

// Store is the transactional persistence contract consumed by Engine. Each
// method executes as a single transaction: ACID per call, with rollback on
// any failure and no partial rows ever visible to other callers.
//
// Two concrete implementations are provided: SQLiteStore (the default,
// embedded record store) and PostgresStore (a networked alternative for
// operators who want the record store on a separate host). Both satisfy
// this interface identically; callers never need to branch on which is in
// use.
type Store interface {
	// GetOrCreateCaseByFilename returns the most recent case for filename,
	// or inserts a new one with a fresh UUID if none exists. "Most recent"
	// is a policy choice, not a uniqueness constraint: filename is not
	// unique across cases, so a prior case for the same name can still be
	// reached by ID even after a newer one is created.
	GetOrCreateCaseByFilename(ctx context.Context, filename, systemID string) (Case, error)

	// GetCase returns the case with the given ID, or ErrMissingHistory if
	// none exists.
	GetCase(ctx context.Context, id int64) (Case, error)

	// GetLatestCaseByFilename returns the highest-ID case for filename, or
	// ErrMissingHistory if none exists.
	GetLatestCaseByFilename(ctx context.Context, filename string) (Case, error)

	// ListRecentCases returns up to limit cases ordered by ID descending.
	ListRecentCases(ctx context.Context, limit int) ([]Case, error)

	// CreateFileVersion inserts a new version row for caseID, computing
	// version = max(version for caseID) + 1 within the same transaction as
	// the insert, so that versions are dense with no gaps under
	// serialization.
	CreateFileVersion(ctx context.Context, caseID int64, storedPath, fileHash string, fileSize int64, mimeType *string, systemID string) (FileVersion, error)

	// GetLatestFileVersion returns the highest-version row for caseID, or
	// ErrMissingHistory if none exists.
	GetLatestFileVersion(ctx context.Context, caseID int64) (FileVersion, error)

	// AppendEvent reads the last event for in.CaseID (descending by ID),
	// derives prev_hash from it (or GenesisHash if none), invokes seal to
	// compute curr_hash and record_hmac, and inserts the new event — all
	// within one transaction.
	AppendEvent(ctx context.Context, in AppendInput, systemID string, seal Seal) (ProvenanceEvent, error)

	// ListProvenanceEvents returns every event for caseID ordered by ID
	// ascending (chain order).
	ListProvenanceEvents(ctx context.Context, caseID int64) ([]ProvenanceEvent, error)

	// Close releases the store's underlying resources (connection pool,
	// file handles). Safe to call once at shutdown.
	Close() error
}
