// Package provcodec provides the canonical serialization and hashing
// primitives that every provenance event hash chain depends on. The rules
// here are deliberately narrow and explicit rather than delegated to
// encoding/json's default map-key behavior, because hash reproducibility
// across hosts and Go versions requires a locked-down byte-exact encoding:
// sorted keys, no map-order dependence, no \u escaping of non-ASCII text,
// and explicit nulls for absent optional fields.
package provcodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// EventCore is the subset of a ProvenanceEvent's fields that participate in
// its curr_hash. Field order on construction does not matter; Canonical
// always emits keys sorted lexicographically by code point.
//
// FileVersionID, ClientIP, and UserAgent are pointers so that an absent
// value is distinguishable from an empty string: both are serialized as
// JSON null, never omitted, so their presence in the byte stream is always
// intentional (see the canonical JSON rules this package implements).
type EventCore struct {
	Action        string
	CaseID        int64
	ClientIP      *string
	FileHash      string
	FileVersionID *int64
	PrevHash      string
	RequestID     string
	SystemID      string
	Timestamp     string
	UserAgent     *string
}

// Canonical renders c as canonical JSON: UTF-8, no BOM, object keys sorted
// lexicographically, ","/":" separators with no surrounding whitespace,
// integers with no decimal point or exponent, non-ASCII text emitted
// literally, and no trailing newline.
func (c EventCore) Canonical() []byte {
	type kv struct {
		key   string
		value string
	}

	fields := []kv{
		{"action", encodeString(c.Action)},
		{"case_id", strconv.FormatInt(c.CaseID, 10)},
		{"client_ip", encodeNullableString(c.ClientIP)},
		{"file_hash", encodeString(c.FileHash)},
		{"file_version_id", encodeNullableInt(c.FileVersionID)},
		{"prev_hash", encodeString(c.PrevHash)},
		{"request_id", encodeString(c.RequestID)},
		{"system_id", encodeString(c.SystemID)},
		{"timestamp", encodeString(c.Timestamp)},
		{"user_agent", encodeNullableString(c.UserAgent)},
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(encodeString(f.key))
		b.WriteByte(':')
		b.WriteString(f.value)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex-encoded HMAC-SHA-256 of the UTF-8
// bytes of messageHex (a hex string, not a raw digest) under key. Hashing the
// hex representation — rather than the raw binary digest — keeps the MAC
// input a short, fixed-size, easily logged string, and matches the on-disk
// format of curr_hash.
func HMACSHA256Hex(key []byte, messageHex string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(messageHex))
	return hex.EncodeToString(mac.Sum(nil))
}

// CurrHash computes the curr_hash for an event core: the SHA-256 hex digest
// of its canonical JSON serialization.
func CurrHash(c EventCore) string {
	return SHA256Hex(c.Canonical())
}

// RecordHMAC computes record_hmac for an event given its curr_hash and the
// process HMAC key.
func RecordHMAC(key []byte, currHash string) string {
	return HMACSHA256Hex(key, currHash)
}

// encodeString JSON-encodes s with standard escaping but without \u-escaping
// non-ASCII code points, matching the canonical rule that non-ASCII text is
// emitted literally.
func encodeString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func encodeNullableString(s *string) string {
	if s == nil {
		return "null"
	}
	return encodeString(*s)
}

func encodeNullableInt(i *int64) string {
	if i == nil {
		return "null"
	}
	return strconv.FormatInt(*i, 10)
}

// HashFile streams the file at path through SHA-256 without loading it into
// memory, matching the chunked-read discipline audit-style log readers use
// for large payloads.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
