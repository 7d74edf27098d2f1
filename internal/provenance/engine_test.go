package provenance_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tripwire/provenance/internal/provenance"
	"github.com/tripwire/provenance/internal/secretstore"
)

func newTestEngine(t *testing.T) (*provenance.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := provenance.OpenSQLiteStore(filepath.Join(dir, "provenance.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	secrets := secretstore.New(dir)
	e := provenance.NewEngine(store, secrets)
	return e, dir
}

func TestRegisterUploadAsNewVersion_CreatesCaseVersionAndEvent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := e.RegisterUploadAsNewVersion(ctx, "report.pdf", "/uploads/abc-report.pdf", "deadbeef", 1024, "req-1", nil, nil)
	if err != nil {
		t.Fatalf("RegisterUploadAsNewVersion: %v", err)
	}

	if result.Case.Filename != "report.pdf" {
		t.Errorf("Case.Filename = %q", result.Case.Filename)
	}
	if result.Version.Version != 1 {
		t.Errorf("Version.Version = %d, want 1", result.Version.Version)
	}
	if result.Event.Action != provenance.ActionCreate {
		t.Errorf("Event.Action = %q, want CREATE", result.Event.Action)
	}
	if result.Event.PrevHash != provenance.GenesisHash {
		t.Errorf("Event.PrevHash = %q, want GENESIS", result.Event.PrevHash)
	}
	if result.Event.CurrHash == "" || result.Event.RecordHMAC == "" {
		t.Error("expected non-empty curr_hash and record_hmac")
	}
}

func TestRegisterUploadAsNewVersion_SecondUploadIsNewVersionSameCase(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.RegisterUploadAsNewVersion(ctx, "report.pdf", "/uploads/v1-report.pdf", "hash1", 100, "req-1", nil, nil)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := e.RegisterUploadAsNewVersion(ctx, "report.pdf", "/uploads/v2-report.pdf", "hash2", 200, "req-2", nil, nil)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if second.Case.ID != first.Case.ID {
		t.Errorf("expected same case, got %d and %d", first.Case.ID, second.Case.ID)
	}
	if second.Version.Version != 2 {
		t.Errorf("Version.Version = %d, want 2", second.Version.Version)
	}
	if second.Event.PrevHash != first.Event.CurrHash {
		t.Errorf("PrevHash = %q, want %q (linked to first event)", second.Event.PrevHash, first.Event.CurrHash)
	}
}

func TestAppend_RejectsEmptyCaseID(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Append(context.Background(), provenance.AppendInput{
		Action: provenance.ActionCreate, FileHash: "h", RequestID: "r",
	})
	if !errors.Is(err, provenance.ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
}

func TestValidateCaseChain_ValidChainReportsOK(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := e.RegisterUploadAsNewVersion(ctx, "doc.txt", "/uploads/doc.txt", "h1", 10, "req-1", nil, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	validation, err := e.ValidateCaseChain(ctx, result.Case.ID)
	if err != nil {
		t.Fatalf("ValidateCaseChain: %v", err)
	}
	if !validation.OK {
		t.Errorf("validation.OK = false, want true; message=%q", validation.Message)
	}
}

func TestValidateChain_DetectsPrevHashTamper(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()

	r1, err := e.RegisterUploadAsNewVersion(ctx, "doc.txt", "/uploads/doc.txt", "h1", 10, "req-1", nil, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Append(ctx, provenance.AppendInput{
		CaseID: r1.Case.ID, Action: provenance.ActionVerify, FileHash: "h1", RequestID: "req-2",
	}); err != nil {
		t.Fatalf("append second event: %v", err)
	}

	events, err := e.ListProvenanceEvents(ctx, r1.Case.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	// Simulate tampering by feeding ValidateChain a copy whose second
	// event's prev_hash has been rewritten to something else.
	tampered := append([]provenance.ProvenanceEvent(nil), events...)
	tampered[1].PrevHash = "not-the-real-prev-hash"

	key := hmacKeyForTest(t, dir)
	result := provenance.ValidateChain(tampered, key)
	if result.OK {
		t.Fatal("expected chain validation to fail")
	}
	if result.Kind != provenance.FailureChain {
		t.Errorf("Kind = %q, want CHAIN", result.Kind)
	}
	if result.Index != 1 {
		t.Errorf("Index = %d, want 1", result.Index)
	}
}

func TestValidateChain_DetectsHMACTamper(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()

	r1, err := e.RegisterUploadAsNewVersion(ctx, "doc.txt", "/uploads/doc.txt", "h1", 10, "req-1", nil, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	events, err := e.ListProvenanceEvents(ctx, r1.Case.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	tampered := append([]provenance.ProvenanceEvent(nil), events...)
	tampered[0].RecordHMAC = "0000000000000000000000000000000000000000000000000000000000000000"

	key := hmacKeyForTest(t, dir)
	result := provenance.ValidateChain(tampered, key)
	if result.OK {
		t.Fatal("expected HMAC validation to fail")
	}
	if result.Kind != provenance.FailureHMAC {
		t.Errorf("Kind = %q, want HMAC", result.Kind)
	}
}

// hmacKeyForTest opens a second secretstore.Store over the same data
// directory the engine under test was built with. Secret bootstrap is
// idempotent (exclusive-create only happens once), so this reads back the
// same key the engine sealed its events with.
func hmacKeyForTest(t *testing.T, dataDir string) []byte {
	t.Helper()
	key, err := secretstore.New(dataDir).HMACKey()
	if err != nil {
		t.Fatalf("HMACKey: %v", err)
	}
	return key
}
