package provcodec_test

import (
	"testing"

	"github.com/tripwire/provenance/internal/provcodec"
)

func TestSHA256Hex_KnownVector(t *testing.T) {
	got := provcodec.SHA256Hex([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("SHA256Hex(abc) = %q, want %q", got, want)
	}
}

func TestCanonical_KeysSortedAndNullsPresent(t *testing.T) {
	c := provcodec.EventCore{
		Action:    "CREATE",
		CaseID:    1,
		FileHash:  "deadbeef",
		PrevHash:  "GENESIS",
		RequestID: "req-1",
		SystemID:  "host-aaaa",
		Timestamp: "2026-07-30T00:00:00Z",
	}
	got := string(c.Canonical())
	want := `{"action":"CREATE","case_id":1,"client_ip":null,"file_hash":"deadbeef","file_version_id":null,"prev_hash":"GENESIS","request_id":"req-1","system_id":"host-aaaa","timestamp":"2026-07-30T00:00:00Z","user_agent":null}`
	if got != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	ip := "10.0.0.1"
	ua := "curl/8.0"
	fv := int64(42)
	c := provcodec.EventCore{
		Action:        "VERIFY",
		CaseID:        7,
		ClientIP:      &ip,
		FileHash:      "abc123",
		FileVersionID: &fv,
		PrevHash:      "priorhash",
		RequestID:     "req-2",
		SystemID:      "host-bbbb",
		Timestamp:     "2026-07-30T01:02:03Z",
		UserAgent:     &ua,
	}
	a := string(c.Canonical())
	b := string(c.Canonical())
	if a != b {
		t.Fatalf("Canonical() not deterministic: %s != %s", a, b)
	}
	if a != `{"action":"VERIFY","case_id":7,"client_ip":"10.0.0.1","file_hash":"abc123","file_version_id":42,"prev_hash":"priorhash","request_id":"req-2","system_id":"host-bbbb","timestamp":"2026-07-30T01:02:03Z","user_agent":"curl/8.0"}` {
		t.Errorf("unexpected canonical form: %s", a)
	}
}

func TestCanonical_NonASCIINotEscaped(t *testing.T) {
	c := provcodec.EventCore{
		Action:    "CREATE",
		FileHash:  "h",
		PrevHash:  "GENESIS",
		RequestID: "req",
		SystemID:  "host-x",
		Timestamp: "t",
		UserAgent: strPtr("café upload"),
	}
	got := string(c.Canonical())
	if !contains(got, "café upload") {
		t.Errorf("expected literal non-ASCII text, got %s", got)
	}
	if contains(got, "\\u00e9") {
		t.Errorf("non-ASCII should not be \\u escaped, got %s", got)
	}
}

func TestHMACSHA256Hex_DeterministicOverHexString(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	h1 := provcodec.HMACSHA256Hex(key, "deadbeef")
	h2 := provcodec.HMACSHA256Hex(key, "deadbeef")
	if h1 != h2 {
		t.Fatalf("HMAC not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("HMAC hex length = %d, want 64", len(h1))
	}
}

func strPtr(s string) *string { return &s }

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
