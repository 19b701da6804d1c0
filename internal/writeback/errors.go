package writeback

import "strings"

// ErrorCode is the closed block-failure taxonomy. Every code is block-local:
// recorded in the ledger, surfaced as a notice, never aborting the queue.
type ErrorCode string

const (
	// ErrCodeDocContextMissing: the job carried no document identity.
	ErrCodeDocContextMissing ErrorCode = "document_context_missing"
	// ErrCodeDocNotActive: the host reports the document is closed.
	ErrCodeDocNotActive ErrorCode = "document_not_active_or_closed"
	// ErrCodeDocActivateFailed: the host errored while activating.
	ErrCodeDocActivateFailed ErrorCode = "document_activate_failed"
	// ErrCodeInvalidPlanJSON: the plan failed the local parse, no
	// execution was attempted.
	ErrCodeInvalidPlanJSON ErrorCode = "invalid_plan_json"
	// ErrCodePlanExecFailed: repair attempts exhausted.
	ErrCodePlanExecFailed ErrorCode = "plan_exec_failed"
	// ErrCodeMacroExecException: unexpected panic during execution.
	ErrCodeMacroExecException ErrorCode = "macro_exec_exception"
	// ErrCodeCancelled is terminal but not an error for UX purposes:
	// no failure notice is shown for it.
	ErrCodeCancelled ErrorCode = "cancelled"
)

// UserVisible reports whether a failure notice should be surfaced for the
// code. Cancellation is deliberate and silent.
func (c ErrorCode) UserVisible() bool {
	switch c {
	case "", ErrCodeCancelled:
		return false
	default:
		return true
	}
}

func (c ErrorCode) String() string { return strings.TrimSpace(string(c)) }
