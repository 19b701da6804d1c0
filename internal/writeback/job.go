package writeback

import (
	"time"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark-agent/internal/docid"
)

// JobBlock is one executable plan inside a job. BlockID is the stable
// ledger key; PlanJSON is the raw plan text as extracted.
type JobBlock struct {
	BlockID  string `json:"block_id"`
	PlanJSON string `json:"plan_json"`
}

// Job is a unit of work on the write-back queue: all plan blocks of one
// assistant message, executed in order against one document.
type Job struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
	SessionID       string          `json:"session_id"`
	MessageID       string          `json:"message_id"`
	DocContext      *docid.Identity `json:"doc_context,omitempty"`
	DocKey          string          `json:"doc_key,omitempty"`
	Blocks          []JobBlock      `json:"blocks"`
}

func newJobID() string { return "job_" + uuid.NewString() }
func newRunID() string { return "run_" + uuid.NewString() }

func nowUnixMs() int64 { return time.Now().UnixMilli() }
