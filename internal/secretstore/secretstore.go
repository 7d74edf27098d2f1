// Package secretstore loads or creates the two pieces of process-lifetime
// secret material every provenance engine needs: the HMAC key used to seal
// events, and the system identity recorded on every event. Both are
// memoizable for the process lifetime but must remain idempotent on disk,
// because multiple processes (or multiple engine instances in tests) may
// race to create them on first use.
package secretstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MinKeyLength is the minimum acceptable length, in bytes, of a persisted
// HMAC key. Keys shorter than this are rejected as a bootstrap error rather
// than silently accepted, since a short key weakens every event sealed with
// it.
const MinKeyLength = 32

// ErrKeyTooShort is returned by Store.HMACKey when an existing key
// file is present but shorter than MinKeyLength.
var ErrKeyTooShort = errors.New("secretstore: HMAC key is too short; expected at least 32 bytes")

const (
	hmacKeyFile  = "hmac_secret.key"
	systemIDFile = "system_id.txt"
)

// Store bootstraps and memoizes the HMAC key and system identity for a
// single data directory. A Store is safe for concurrent use; the first
// caller to need each value does the file I/O, and subsequent callers reuse
// the in-memory result.
type Store struct {
	dataDir string

	keyOnce sync.Once
	key     []byte
	keyErr  error

	idOnce sync.Once
	id     string
	idErr  error
}

// New returns a Store rooted at dataDir. dataDir is created (including
// parents) lazily, on first need, not by New itself.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// HMACKey returns the process HMAC key, loading it from disk or generating
// and persisting a fresh 32-byte key on first call. The result is memoized;
// subsequent calls never touch disk again.
func (s *Store) HMACKey() ([]byte, error) {
	s.keyOnce.Do(func() {
		s.key, s.keyErr = loadOrCreateHMACKey(s.dataDir)
	})
	return s.key, s.keyErr
}

// SystemID returns the stable per-installation system identity, loading it
// from disk or generating and persisting a fresh "host-<16 hex>" value on
// first call. The result is memoized.
func (s *Store) SystemID() (string, error) {
	s.idOnce.Do(func() {
		s.id, s.idErr = loadOrCreateSystemID(s.dataDir)
	})
	return s.id, s.idErr
}

func loadOrCreateHMACKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, hmacKeyFile)

	if data, err := os.ReadFile(path); err == nil {
		if len(data) < MinKeyLength {
			return nil, ErrKeyTooShort
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secretstore: read %q: %w", path, err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("secretstore: create data dir %q: %w", dataDir, err)
	}

	key := make([]byte, MinKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secretstore: generate key: %w", err)
	}

	if err := writeExclusive(path, key, 0o600); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another writer won the race; defer to its file.
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("secretstore: read %q after lost race: %w", path, rerr)
			}
			if len(data) < MinKeyLength {
				return nil, ErrKeyTooShort
			}
			return data, nil
		}
		return nil, fmt.Errorf("secretstore: write %q: %w", path, err)
	}
	return key, nil
}

func loadOrCreateSystemID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, systemIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
			return trimmed, nil
		}
		// Present but empty: fall through and (re)generate.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("secretstore: read %q: %w", path, err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("secretstore: create data dir %q: %w", dataDir, err)
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secretstore: generate system id: %w", err)
	}
	id := "host-" + hex.EncodeToString(buf)

	if err := writeExclusive(path, []byte(id), 0o600); err != nil {
		if errors.Is(err, os.ErrExist) {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return "", fmt.Errorf("secretstore: read %q after lost race: %w", path, rerr)
			}
			if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
				return trimmed, nil
			}
			return "", fmt.Errorf("secretstore: %q exists but is empty after lost race", path)
		}
		return "", fmt.Errorf("secretstore: write %q: %w", path, err)
	}
	return id, nil
}

// writeExclusive writes data to path with O_CREATE|O_EXCL semantics so two
// concurrent first-callers cannot both "win" and silently overwrite each
// other's secret.
func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
