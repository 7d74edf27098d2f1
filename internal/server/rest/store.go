package rest

import (
	"context"

	"github.com/tripwire/provenance/internal/provenance"
)

// Engine is the subset of provenance.Engine used by the REST handlers.
// Defining an interface allows handlers to be tested against a fake engine
// without a live record store.
type Engine interface {
	RegisterUploadAsNewVersion(ctx context.Context, filename, storedPath, fileHash string, fileSize int64, requestID string, clientIP, userAgent *string) (provenance.RegisterResult, error)
	VerifyFileAgainstProvenance(ctx context.Context, candidatePath, filename string, caseID *int64, requestID string, clientIP, userAgent *string) (provenance.VerificationResult, error)
	GetCase(ctx context.Context, id int64) (provenance.Case, error)
	ListRecentCases(ctx context.Context, limit int) ([]provenance.Case, error)
	ListProvenanceEvents(ctx context.Context, caseID int64) ([]provenance.ProvenanceEvent, error)
	ValidateCaseChain(ctx context.Context, caseID int64) (provenance.ChainValidationResult, error)
}
