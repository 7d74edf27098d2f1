package provenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/tripwire/provenance/internal/metrics"
	"github.com/tripwire/provenance/internal/provcodec"
)

// VerifyFileAgainstProvenance classifies candidatePath against the recorded
// history for filename (or caseID, if provided — an explicit case_id takes
// precedence over the filename lookup). The steps run in a fixed order and
// each can produce a terminal classification:
//
//  1. Resolve the case: by caseID if given, else the latest case for
//     filename. Neither found -> MISSING_HISTORY, case_id null.
//  2. Validate the case's chain (ValidateChain). A CHAIN failure ->
//     TAMPERED_CHAIN, an HMAC failure -> TAMPERED_HMAC. Neither appends a
//     VERIFY event: a broken chain cannot be extended without making the
//     corruption worse.
//  3. Fetch the latest file version. None -> MISSING_HISTORY, case_id set.
//  4. Append a VERIFY event whose file_hash is the observed hash and
//     file_version_id is null. This is an audit-trail write and must
//     succeed even on mismatch.
//  5. Compare observed to the latest version's file_hash: equal -> VALID,
//     otherwise -> TAMPERED_FILE with both hashes populated.
func (e *Engine) VerifyFileAgainstProvenance(ctx context.Context, candidatePath, filename string, caseID *int64, requestID string, clientIP, userAgent *string) (result VerificationResult, err error) {
	defer func() {
		if err == nil {
			metrics.VerificationResults.WithLabelValues(string(result.Status)).Inc()
		}
	}()

	observedHash, err := provcodec.HashFile(candidatePath)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: reading candidate file: %v", ErrStoreIO, err)
	}

	c, err := e.resolveCase(ctx, filename, caseID)
	if err != nil {
		if errors.Is(err, ErrMissingHistory) {
			return VerificationResult{
				Status:         StatusMissingHistory,
				Reason:         err.Error(),
				ObservedSHA256: observedHash,
			}, nil
		}
		return VerificationResult{}, err
	}

	events, err := e.store.ListProvenanceEvents(ctx, c.ID)
	if err != nil {
		return VerificationResult{}, err
	}

	key, err := e.secrets.HMACKey()
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}

	chainResult := ValidateChain(events, key)
	if !chainResult.OK {
		status := StatusTamperedChain
		if chainResult.Kind == FailureHMAC {
			status = StatusTamperedHMAC
		}
		return VerificationResult{
			Status:         status,
			Reason:         chainResult.Message,
			ObservedSHA256: observedHash,
			CaseID:         &c.ID,
		}, nil
	}

	latest, err := e.store.GetLatestFileVersion(ctx, c.ID)
	if err != nil {
		if errors.Is(err, ErrMissingHistory) {
			return VerificationResult{
				Status:         StatusMissingHistory,
				Reason:         fmt.Sprintf("no file versions exist for case %d", c.ID),
				ObservedSHA256: observedHash,
				CaseID:         &c.ID,
			}, nil
		}
		return VerificationResult{}, err
	}

	if _, err := e.Append(ctx, AppendInput{
		CaseID:    c.ID,
		Action:    ActionVerify,
		FileHash:  observedHash,
		RequestID: requestID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}); err != nil {
		return VerificationResult{}, err
	}

	expectedHash := latest.FileHash
	if observedHash != expectedHash {
		return VerificationResult{
			Status:         StatusTamperedFile,
			Reason:         "candidate file hash does not match the latest recorded file hash",
			ExpectedSHA256: &expectedHash,
			ObservedSHA256: observedHash,
			CaseID:         &c.ID,
		}, nil
	}

	return VerificationResult{
		Status:         StatusValid,
		Reason:         "candidate file matches the latest recorded provenance",
		ExpectedSHA256: &expectedHash,
		ObservedSHA256: observedHash,
		CaseID:         &c.ID,
	}, nil
}

// resolveCase looks up the case to verify against: by caseID when provided,
// otherwise the latest case for filename.
func (e *Engine) resolveCase(ctx context.Context, filename string, caseID *int64) (Case, error) {
	if caseID != nil {
		c, err := e.store.GetCase(ctx, *caseID)
		if errors.Is(err, ErrMissingHistory) {
			return Case{}, fmt.Errorf("%w: provided case_id does not exist", ErrMissingHistory)
		}
		return c, err
	}
	c, err := e.store.GetLatestCaseByFilename(ctx, filename)
	if errors.Is(err, ErrMissingHistory) {
		return Case{}, fmt.Errorf("%w: no case exists for this filename", ErrMissingHistory)
	}
	return c, err
}
