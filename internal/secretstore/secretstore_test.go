package secretstore_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/provenance/internal/secretstore"
)

func TestHMACKey_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s := secretstore.New(dir)

	key, err := s.HMACKey()
	if err != nil {
		t.Fatalf("HMACKey: %v", err)
	}
	if len(key) != secretstore.MinKeyLength {
		t.Errorf("key length = %d, want %d", len(key), secretstore.MinKeyLength)
	}

	info, err := os.Stat(filepath.Join(dir, "hmac_secret.key"))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file perm = %v, want 0600", info.Mode().Perm())
	}

	// A fresh Store pointed at the same dir should load the same bytes.
	s2 := secretstore.New(dir)
	key2, err := s2.HMACKey()
	if err != nil {
		t.Fatalf("HMACKey (reload): %v", err)
	}
	if string(key) != string(key2) {
		t.Errorf("reloaded key does not match persisted key")
	}
}

func TestHMACKey_MemoizedAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	s := secretstore.New(dir)

	k1, err := s.HMACKey()
	if err != nil {
		t.Fatalf("HMACKey: %v", err)
	}

	// Tamper with the on-disk file; the in-memory value must not change.
	if err := os.WriteFile(filepath.Join(dir, "hmac_secret.key"), []byte("short"), 0o600); err != nil {
		t.Fatalf("overwrite key file: %v", err)
	}

	k2, err := s.HMACKey()
	if err != nil {
		t.Fatalf("HMACKey (memoized): %v", err)
	}
	if string(k1) != string(k2) {
		t.Errorf("HMACKey not memoized: got different bytes on second call")
	}
}

func TestHMACKey_TooShortFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hmac_secret.key"), []byte("tooshort"), 0o600); err != nil {
		t.Fatalf("seed short key: %v", err)
	}

	s := secretstore.New(dir)
	_, err := s.HMACKey()
	if err == nil {
		t.Fatal("expected error for short key, got nil")
	}
	if !strings.Contains(err.Error(), "too short") {
		t.Errorf("error = %v, want message mentioning 'too short'", err)
	}
}

func TestSystemID_GeneratesHostPrefixedValue(t *testing.T) {
	dir := t.TempDir()
	s := secretstore.New(dir)

	id, err := s.SystemID()
	if err != nil {
		t.Fatalf("SystemID: %v", err)
	}
	if !strings.HasPrefix(id, "host-") {
		t.Errorf("system id = %q, want host-<16 hex> prefix", id)
	}
	if len(id) != len("host-")+16 {
		t.Errorf("system id = %q, want length %d", id, len("host-")+16)
	}
}

func TestSystemID_ReadsExistingTrimmedContents(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "system_id.txt"), []byte("  host-aaaabbbbccccdddd\n"), 0o600); err != nil {
		t.Fatalf("seed system id: %v", err)
	}

	s := secretstore.New(dir)
	id, err := s.SystemID()
	if err != nil {
		t.Fatalf("SystemID: %v", err)
	}
	if id != "host-aaaabbbbccccdddd" {
		t.Errorf("system id = %q, want trimmed existing value", id)
	}
}
