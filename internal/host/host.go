// Package host declares the document-host collaborator contract.
//
// The host automation API is slow and opaque; the engine treats both calls
// as synchronous-from-its-perspective operations with a result and never
// retries them on its own (the repair loop decides that).
package host

import (
	"context"

	"github.com/pagemark/pagemark-agent/internal/docid"
)

// ExecResult is the host's verdict on one plan execution attempt.
type ExecResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Host is the document-host automation surface consumed by the write-back
// engine. Implementations are host-application specific.
type Host interface {
	// Activate brings the target document to the foreground. Returns false
	// when the document is no longer open.
	Activate(ctx context.Context, identity docid.Identity) (bool, error)

	// ExecutePlan applies a plan JSON document to the active document.
	// Plan execution mutates shared host state; callers must never run two
	// executions concurrently.
	ExecutePlan(ctx context.Context, planJSON string) (ExecResult, error)

	// OpenDocuments lists the currently open documents.
	OpenDocuments(ctx context.Context) ([]docid.Identity, error)
}
