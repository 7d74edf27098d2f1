// Package provenance implements the tamper-evident chain-of-custody engine:
// cases, file versions, hash-chained provenance events, and the verifier
// that classifies a candidate file against a case's recorded history.
package provenance

import (
	"errors"
	"time"
)

// Action is the enumerated kind of a ProvenanceEvent. The vocabulary is
// extensible: consumers must treat unrecognized actions as opaque audit
// entries rather than rejecting them.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionVerify Action = "VERIFY"
)

// GenesisHash is the literal prev_hash of the first event in every case's
// chain.
const GenesisHash = "GENESIS"

// Case is the logical evidence record for one filename over its lifetime.
type Case struct {
	ID          int64     `json:"id"`
	CaseUUID    string    `json:"case_uuid"`
	Filename    string    `json:"filename"`
	CreatedTime time.Time `json:"created_time"`
	SystemID    string    `json:"system_id"`
}

// FileVersion is an immutable snapshot of bytes attached to a case.
type FileVersion struct {
	ID         int64     `json:"id"`
	CaseID     int64     `json:"case_id"`
	Version    int64     `json:"version"`
	StoredPath string    `json:"stored_path"`
	FileHash   string    `json:"file_hash"`
	FileSize   int64     `json:"file_size"`
	MimeType   *string   `json:"mime_type"`
	UploadTime time.Time `json:"upload_time"`
	SystemID   string    `json:"system_id"`
}

// ProvenanceEvent is one append-only, hash-chained audit record.
type ProvenanceEvent struct {
	ID            int64     `json:"id"`
	CaseID        int64     `json:"case_id"`
	FileVersionID *int64    `json:"file_version_id"`
	Action        Action    `json:"action"`
	FileHash      string    `json:"file_hash"`
	PrevHash      string    `json:"prev_hash"`
	CurrHash      string    `json:"curr_hash"`
	Timestamp     time.Time `json:"timestamp"`
	SystemID      string    `json:"system_id"`
	RequestID     string    `json:"request_id"`
	ClientIP      *string   `json:"client_ip"`
	UserAgent     *string   `json:"user_agent"`
	RecordHMAC    string    `json:"record_hmac"`
}

// AppendInput carries the caller-supplied fields for Engine.Append. The
// remaining event fields (timestamp, system_id, prev_hash, curr_hash,
// record_hmac) are computed by the chain engine.
type AppendInput struct {
	CaseID        int64
	FileVersionID *int64
	Action        Action
	FileHash      string
	RequestID     string
	ClientIP      *string
	UserAgent     *string
}

// FailureKind distinguishes chain-linkage/hash failures from HMAC failures
// when a stored chain does not validate. The order in which these are
// detected matters: an attacker who rewrites curr_hash without breaking
// prev_hash linkage is still caught as a hash mismatch (FailureChain)
// before the HMAC is ever checked.
type FailureKind string

const (
	FailureChain FailureKind = "CHAIN"
	FailureHMAC  FailureKind = "HMAC"
)

// ChainValidationResult is the tagged outcome of validating a case's event
// chain. OK is true iff every event's linkage, curr_hash, and record_hmac
// all check out; otherwise Kind and Index describe the first failure.
type ChainValidationResult struct {
	OK      bool        `json:"ok"`
	Kind    FailureKind `json:"kind,omitempty"`
	Index   int         `json:"index,omitempty"`
	Message string      `json:"message,omitempty"`
}

// VerificationStatus is the classification the verifier assigns to a
// candidate file.
type VerificationStatus string

const (
	StatusValid          VerificationStatus = "VALID"
	StatusTamperedFile   VerificationStatus = "TAMPERED_FILE"
	StatusTamperedChain  VerificationStatus = "TAMPERED_CHAIN"
	StatusTamperedHMAC   VerificationStatus = "TAMPERED_HMAC"
	StatusMissingHistory VerificationStatus = "MISSING_HISTORY"
)

// VerificationResult is the outcome of VerifyFileAgainstProvenance.
type VerificationResult struct {
	Status         VerificationStatus `json:"status"`
	Reason         string             `json:"reason"`
	ExpectedSHA256 *string            `json:"expected_sha256"`
	ObservedSHA256 string             `json:"observed_sha256"`
	CaseID         *int64             `json:"case_id"`
}

// Error taxonomy. Integrity failures (ChainBroken, HmacMismatch) are
// returned as part of ChainValidationResult/VerificationResult, never as
// errors; the sentinels below are for genuine infrastructure and input
// failures, so callers can use errors.Is without string matching.
var (
	// ErrInputInvalid marks a caller-supplied argument that is malformed.
	ErrInputInvalid = errors.New("provenance: invalid input")

	// ErrMissingHistory marks a resolver that could not find a case or any
	// file versions. Distinct from the VerificationResult classification of
	// the same name: this sentinel is used by the lower-level lifecycle
	// helpers (GetCase, GetLatestFileVersion) that the verifier composes.
	ErrMissingHistory = errors.New("provenance: no matching history")

	// ErrStoreIO marks an underlying persistence failure. Rolled back by the
	// store; safe to retry.
	ErrStoreIO = errors.New("provenance: store I/O error")

	// ErrSecretInit marks a failure to bootstrap the HMAC key or system
	// identity. Fatal to the process.
	ErrSecretInit = errors.New("provenance: secret initialization failed")
)
