package ingest

import "github.com/cordum/ragops/core/infra/apierr"

var (
	ErrNotFound           = apierr.New(apierr.KindNotFound, "INGESTION_NOT_FOUND", "ingestion not found")
	ErrManifestNotReady   = apierr.Conflict("MANIFEST_NOT_READY", "manifest not ready")
	ErrInvalidState       = apierr.Conflict("INVALID_STATE", "operation not allowed in current ingestion state")
	ErrRollbackInProgress = apierr.Conflict("ROLLBACK_IN_PROGRESS", "rollback already in progress")
	// ErrContentDenied is returned by the resolve stage when the safety gate rejects a source.
	ErrContentDenied = apierr.New(apierr.KindValidation, "CONTENT_DENIED", "content denied by safety policy")
)
