package provenance

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/tripwire/provenance/internal/metrics"
	"github.com/tripwire/provenance/internal/provcodec"
	"github.com/tripwire/provenance/internal/secretstore"
)

// Engine composes a Store with the process's secret material to implement
// the chain engine (append/validate), the case/version lifecycle, and the
// public API the HTTP collaborator consumes. It holds no file-system or
// network state of its own beyond what Store and secretstore.Store wrap.
type Engine struct {
	store   Store
	secrets *secretstore.Store
}

// NewEngine returns an Engine backed by store, bootstrapping its secret
// material lazily from secrets on first need.
func NewEngine(store Store, secrets *secretstore.Store) *Engine {
	return &Engine{store: store, secrets: secrets}
}

// Close releases the underlying store's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// RegisterResult is the return value of RegisterUploadAsNewVersion.
type RegisterResult struct {
	Case    Case            `json:"case"`
	Version FileVersion     `json:"version"`
	Event   ProvenanceEvent `json:"event"`
}

// RegisterUploadAsNewVersion composes get-or-create-case, create-file-
// version, and append-CREATE-event into one logical operation. Each step
// commits its own store transaction and the lifecycle stops at the first
// error. The three steps do not share one transaction: if a later step
// fails, rows committed by earlier steps (a newly created case, a new file
// version without its CREATE event) remain in the store.
func (e *Engine) RegisterUploadAsNewVersion(ctx context.Context, filename, storedPath, fileHash string, fileSize int64, requestID string, clientIP, userAgent *string) (result RegisterResult, err error) {
	start := time.Now()
	defer func() { metrics.Observe("register_upload", time.Since(start).Seconds(), err) }()

	if filename == "" {
		return RegisterResult{}, fmt.Errorf("%w: filename must not be empty", ErrInputInvalid)
	}
	if storedPath == "" {
		return RegisterResult{}, fmt.Errorf("%w: stored_path must not be empty", ErrInputInvalid)
	}
	if fileHash == "" {
		return RegisterResult{}, fmt.Errorf("%w: file_hash must not be empty", ErrInputInvalid)
	}
	if fileSize < 0 {
		return RegisterResult{}, fmt.Errorf("%w: file_size must not be negative", ErrInputInvalid)
	}
	if requestID == "" {
		return RegisterResult{}, fmt.Errorf("%w: request_id must not be empty", ErrInputInvalid)
	}

	systemID, err := e.secrets.SystemID()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}

	c, err := e.store.GetOrCreateCaseByFilename(ctx, filename, systemID)
	if err != nil {
		return RegisterResult{}, err
	}

	mimeType := guessMimeType(filename)
	version, err := e.store.CreateFileVersion(ctx, c.ID, storedPath, fileHash, fileSize, mimeType, systemID)
	if err != nil {
		return RegisterResult{}, err
	}

	event, err := e.Append(ctx, AppendInput{
		CaseID:        c.ID,
		FileVersionID: &version.ID,
		Action:        ActionCreate,
		FileHash:      fileHash,
		RequestID:     requestID,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
	})
	if err != nil {
		return RegisterResult{}, err
	}

	return RegisterResult{Case: c, Version: version, Event: event}, nil
}

// Append seals and persists a new provenance event for in.CaseID. The
// event's prev_hash links to the case's last event (or GenesisHash if this
// is the first), and curr_hash/record_hmac are computed from the current
// process HMAC key and system identity — both loaded lazily and memoized by
// secretstore.Store.
func (e *Engine) Append(ctx context.Context, in AppendInput) (event ProvenanceEvent, err error) {
	start := time.Now()
	defer func() { metrics.Observe("append", time.Since(start).Seconds(), err) }()

	if in.CaseID <= 0 {
		return ProvenanceEvent{}, fmt.Errorf("%w: case_id must be positive", ErrInputInvalid)
	}
	if in.Action == "" {
		return ProvenanceEvent{}, fmt.Errorf("%w: action must not be empty", ErrInputInvalid)
	}
	if in.FileHash == "" {
		return ProvenanceEvent{}, fmt.Errorf("%w: file_hash must not be empty", ErrInputInvalid)
	}
	if in.RequestID == "" {
		return ProvenanceEvent{}, fmt.Errorf("%w: request_id must not be empty", ErrInputInvalid)
	}

	systemID, err := e.secrets.SystemID()
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}
	key, err := e.secrets.HMACKey()
	if err != nil {
		return ProvenanceEvent{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}

	return e.store.AppendEvent(ctx, in, systemID, sealWith(in, systemID, key))
}

// sealWith returns a Seal closure that builds the event core, computes
// curr_hash, and computes record_hmac — the only place these three values
// are derived, shared by every Store implementation.
func sealWith(in AppendInput, systemID string, key []byte) Seal {
	return func(prevHash string, timestamp time.Time) (string, string) {
		core := provcodec.EventCore{
			Action:        string(in.Action),
			CaseID:        in.CaseID,
			ClientIP:      in.ClientIP,
			FileHash:      in.FileHash,
			FileVersionID: in.FileVersionID,
			PrevHash:      prevHash,
			RequestID:     in.RequestID,
			SystemID:      systemID,
			Timestamp:     timestamp.UTC().Format(rfc3339),
			UserAgent:     in.UserAgent,
		}
		currHash := provcodec.CurrHash(core)
		recordHMAC := provcodec.RecordHMAC(key, currHash)
		return currHash, recordHMAC
	}
}

// GetOrCreateCaseByFilename resolves the most recent case for filename, or
// creates one.
func (e *Engine) GetOrCreateCaseByFilename(ctx context.Context, filename string) (Case, error) {
	systemID, err := e.secrets.SystemID()
	if err != nil {
		return Case{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}
	return e.store.GetOrCreateCaseByFilename(ctx, filename, systemID)
}

// GetCase returns the case identified by id.
func (e *Engine) GetCase(ctx context.Context, id int64) (Case, error) {
	return e.store.GetCase(ctx, id)
}

// ListRecentCases returns up to limit cases, most recent first.
func (e *Engine) ListRecentCases(ctx context.Context, limit int) ([]Case, error) {
	return e.store.ListRecentCases(ctx, limit)
}

// ListProvenanceEvents returns a case's full event chain in chain order.
func (e *Engine) ListProvenanceEvents(ctx context.Context, caseID int64) ([]ProvenanceEvent, error) {
	return e.store.ListProvenanceEvents(ctx, caseID)
}

// GetLatestFileVersion returns the highest-version row for caseID.
func (e *Engine) GetLatestFileVersion(ctx context.Context, caseID int64) (FileVersion, error) {
	return e.store.GetLatestFileVersion(ctx, caseID)
}

// ValidateCaseChain recomputes and checks every event's linkage, curr_hash,
// and record_hmac for caseID. See ValidateChain for the check ordering.
func (e *Engine) ValidateCaseChain(ctx context.Context, caseID int64) (result ChainValidationResult, err error) {
	start := time.Now()
	defer func() { metrics.Observe("validate_chain", time.Since(start).Seconds(), err) }()

	events, err := e.store.ListProvenanceEvents(ctx, caseID)
	if err != nil {
		return ChainValidationResult{}, err
	}
	key, err := e.secrets.HMACKey()
	if err != nil {
		return ChainValidationResult{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}
	return ValidateChain(events, key), nil
}

// ValidateChain is the pure chain-validation algorithm: given an ordered
// (ascending ID) slice of events and the process HMAC key, it checks that
// prev_hash linkage, curr_hash, and record_hmac all hold for every event, in
// that order. An attacker who rewrites curr_hash without breaking prev_hash
// linkage is caught as a CHAIN failure (hash mismatch) before record_hmac is
// ever checked; only a forged record_hmac over an otherwise-correct
// curr_hash surfaces as an HMAC failure.
func ValidateChain(events []ProvenanceEvent, key []byte) ChainValidationResult {
	prev := GenesisHash
	for idx, ev := range events {
		if ev.Action == "" || ev.FileHash == "" || ev.PrevHash == "" || ev.CurrHash == "" || ev.RecordHMAC == "" || ev.SystemID == "" || ev.RequestID == "" {
			return ChainValidationResult{
				OK: false, Kind: FailureChain, Index: idx,
				Message: fmt.Sprintf("event at index %d is missing a required field", idx),
			}
		}
		if ev.PrevHash != prev {
			return ChainValidationResult{
				OK: false, Kind: FailureChain, Index: idx,
				Message: fmt.Sprintf("chain broken at index %d: expected prev_hash %q, got %q", idx, prev, ev.PrevHash),
			}
		}

		core := provcodec.EventCore{
			Action:        string(ev.Action),
			CaseID:        ev.CaseID,
			ClientIP:      ev.ClientIP,
			FileHash:      ev.FileHash,
			FileVersionID: ev.FileVersionID,
			PrevHash:      ev.PrevHash,
			RequestID:     ev.RequestID,
			SystemID:      ev.SystemID,
			Timestamp:     ev.Timestamp.UTC().Format(rfc3339),
			UserAgent:     ev.UserAgent,
		}
		expectedHash := provcodec.CurrHash(core)
		if ev.CurrHash != expectedHash {
			return ChainValidationResult{
				OK: false, Kind: FailureChain, Index: idx,
				Message: fmt.Sprintf("record hash mismatch at index %d", idx),
			}
		}

		expectedHMAC := provcodec.RecordHMAC(key, expectedHash)
		if ev.RecordHMAC != expectedHMAC {
			return ChainValidationResult{
				OK: false, Kind: FailureHMAC, Index: idx,
				Message: fmt.Sprintf("HMAC mismatch at index %d", idx),
			}
		}

		prev = ev.CurrHash
	}
	return ChainValidationResult{OK: true}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

func guessMimeType(filename string) *string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return nil
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return nil
	}
	return &t
}
