package writeback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pagemark/pagemark-agent/internal/docid"
	"github.com/pagemark/pagemark-agent/internal/ledger"
)

// MessageChecker reports whether the message that produced a ledger row
// still exists. Rows for vanished messages are closed out instead of
// re-queued.
type MessageChecker func(messageID string) bool

// Recover scans the ledger for runs interrupted by a crash and re-enqueues
// them. Rows stuck in running are treated as never started (execution is not
// resumable mid-block); queued rows are regrouped by message into fresh jobs,
// preserving the original enqueue order. Returns the number of jobs
// re-enqueued.
func (e *Engine) Recover(ctx context.Context, stillExists MessageChecker) (int, error) {
	if e == nil {
		return 0, fmt.Errorf("writeback: engine not initialized")
	}
	runs, err := e.ledger.ListIncomplete(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incomplete runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	// Group by message, keeping first-seen order. ListIncomplete orders by
	// creation time then per-message seq, so jobs come back in their
	// original FIFO order with each job's blocks in enqueue order.
	var order []string
	groups := make(map[string][]ledger.Run)
	for _, r := range runs {
		if stillExists != nil && !stillExists(r.MessageID) {
			e.closeOrphanRun(ctx, r)
			continue
		}
		if _, ok := groups[r.MessageID]; !ok {
			order = append(order, r.MessageID)
		}
		groups[r.MessageID] = append(groups[r.MessageID], r)
	}

	enqueued := 0
	for _, messageID := range order {
		rows := groups[messageID]
		job := Job{
			MessageID: messageID,
			SessionID: rows[0].SessionID,
			DocKey:    rows[0].DocKey,
		}
		if raw := strings.TrimSpace(rows[0].DocContextJSON); raw != "" {
			var ident docid.Identity
			if err := json.Unmarshal([]byte(raw), &ident); err == nil {
				job.DocContext = &ident
			}
		}
		for _, r := range rows {
			job.Blocks = append(job.Blocks, JobBlock{BlockID: r.BlockID, PlanJSON: r.PlanJSON})
		}
		if _, err := e.Enqueue(job); err != nil {
			e.log.Warn("recovery enqueue failed", "message_id", messageID, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		e.log.Info("recovered interrupted runs", "jobs", enqueued, "rows", len(runs))
	}
	return enqueued, nil
}

func (e *Engine) closeOrphanRun(ctx context.Context, r ledger.Run) {
	err := e.ledger.Transition(ctx, r.MessageID, r.BlockID,
		ledger.StatusError, string(ErrCodeCancelled), "owning message no longer exists", "", 0)
	if err != nil {
		e.log.Warn("orphan run close failed",
			"message_id", r.MessageID, "block_id", r.BlockID, "error", err)
	}
}
