//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/provenance/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package provenance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/provenance/internal/provenance"
)

// setupPostgresStore starts a PostgreSQL container and returns a ready
// *provenance.PostgresStore plus a cleanup function that tears the
// container down.
func setupPostgresStore(t *testing.T) (*provenance.PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("provenance_test"),
		tcpostgres.WithUsername("provenance"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := provenance.OpenPostgresStore(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("OpenPostgresStore: %v", err)
	}

	cleanup := func() {
		store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresStore_GetOrCreateCaseByFilename_CreatesAndReuses(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	first, err := store.GetOrCreateCaseByFilename(ctx, "report.pdf", "sys-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := store.GetOrCreateCaseByFilename(ctx, "report.pdf", "sys-1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same case ID, got %d and %d", first.ID, second.ID)
	}
}

func TestPostgresStore_CreateFileVersion_AllocatesIncrementingVersions(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	c, err := store.GetOrCreateCaseByFilename(ctx, "report.pdf", "sys-1")
	if err != nil {
		t.Fatalf("GetOrCreateCaseByFilename: %v", err)
	}

	v1, err := store.CreateFileVersion(ctx, c.ID, "/uploads/v1", "hash1", 100, nil, "sys-1")
	if err != nil {
		t.Fatalf("CreateFileVersion v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("v1.Version = %d, want 1", v1.Version)
	}

	v2, err := store.CreateFileVersion(ctx, c.ID, "/uploads/v2", "hash2", 200, nil, "sys-1")
	if err != nil {
		t.Fatalf("CreateFileVersion v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("v2.Version = %d, want 2", v2.Version)
	}
}

func TestPostgresStore_AppendEvent_ChainsAcrossCalls(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	c, err := store.GetOrCreateCaseByFilename(ctx, "report.pdf", "sys-1")
	if err != nil {
		t.Fatalf("GetOrCreateCaseByFilename: %v", err)
	}

	seal1 := func(string, time.Time) (string, string) { return "curr-1", "hmac-1" }
	first, err := store.AppendEvent(ctx, provenance.AppendInput{
		CaseID: c.ID, Action: provenance.ActionCreate, FileHash: "h1", RequestID: "req-1",
	}, "sys-1", seal1)
	if err != nil {
		t.Fatalf("append first event: %v", err)
	}
	if first.PrevHash != provenance.GenesisHash {
		t.Errorf("PrevHash = %q, want GENESIS", first.PrevHash)
	}

	var seenPrevHash string
	seal2 := func(prevHash string, _ time.Time) (string, string) {
		seenPrevHash = prevHash
		return "curr-2", "hmac-2"
	}
	if _, err := store.AppendEvent(ctx, provenance.AppendInput{
		CaseID: c.ID, Action: provenance.ActionVerify, FileHash: "h1", RequestID: "req-2",
	}, "sys-1", seal2); err != nil {
		t.Fatalf("append second event: %v", err)
	}
	if seenPrevHash != "curr-1" {
		t.Errorf("seal saw prevHash = %q, want curr-1", seenPrevHash)
	}

	events, err := store.ListProvenanceEvents(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListProvenanceEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestPostgresStore_GetLatestFileVersion_NoVersionsReturnsErrMissingHistory(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	c, err := store.GetOrCreateCaseByFilename(ctx, "report.pdf", "sys-1")
	if err != nil {
		t.Fatalf("GetOrCreateCaseByFilename: %v", err)
	}

	if _, err := store.GetLatestFileVersion(ctx, c.ID); !errors.Is(err, provenance.ErrMissingHistory) {
		t.Fatalf("err = %v, want ErrMissingHistory", err)
	}
}
