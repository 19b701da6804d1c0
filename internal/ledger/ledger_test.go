package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T, maxEntries int) *Ledger {
	t.Helper()
	l, err := Open(Options{Path: filepath.Join(t.TempDir(), "runs.sqlite"), MaxEntries: maxEntries})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_UpsertAndTransition(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	if err := l.Upsert(ctx, Run{
		MessageID: "m1", BlockID: "b1",
		SessionID: "s1", DocKey: "host1:/tmp/r.docx",
		Status: StatusQueued, PlanJSON: `{"schema_version":"plan.v1"}`,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := l.Transition(ctx, "m1", "b1", StatusRunning, "", "", "", 0); err != nil {
		t.Fatalf("Transition running: %v", err)
	}
	if err := l.Transition(ctx, "m1", "b1", StatusSuccess, "", "", `{"repaired":true}`, 2); err != nil {
		t.Fatalf("Transition success: %v", err)
	}

	r, err := l.Get(ctx, "m1", "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r == nil || r.Status != StatusSuccess {
		t.Fatalf("run=%+v, want success", r)
	}
	if r.FinalPlanJSON != `{"repaired":true}` {
		t.Fatalf("FinalPlanJSON=%q", r.FinalPlanJSON)
	}
	if r.RepairsUsed != 2 {
		t.Fatalf("RepairsUsed=%d, want 2", r.RepairsUsed)
	}
}

func TestLedger_RejectsBackwardTransition(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := l.Transition(ctx, "m1", "b1", StatusSuccess, "", "", "", 0); err != nil {
		t.Fatalf("Transition success: %v", err)
	}
	err := l.Transition(ctx, "m1", "b1", StatusRunning, "", "", "", 0)
	if !errors.Is(err, ErrBackwardTransition) {
		t.Fatalf("err=%v, want ErrBackwardTransition", err)
	}
}

func TestLedger_TransitionMissingRow(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	err := l.Transition(context.Background(), "nope", "b1", StatusRunning, "", "", "", 0)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err=%v, want sql.ErrNoRows", err)
	}
}

func TestLedger_ReEnqueueOverwritesTerminalRow(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := l.Transition(ctx, "m1", "b1", StatusSuccess, "", "", "{}", 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Regenerating the same artifact resets the row instead of adding one.
	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", Status: StatusQueued, PlanJSON: `{"v":2}`}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	r, err := l.Get(ctx, "m1", "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusQueued || r.PlanJSON != `{"v":2}` {
		t.Fatalf("run=%+v, want fresh queued row", r)
	}

	inc, err := l.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(inc) != 1 {
		t.Fatalf("incomplete=%d, want 1 (upsert must not duplicate)", len(inc))
	}
}

func TestLedger_ErrorFieldsClearedOnNonError(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := l.Transition(ctx, "m1", "b1", StatusSuccess, "plan_exec_failed", "should be dropped", "", 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	r, _ := l.Get(ctx, "m1", "b1")
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		t.Fatalf("error fields survived a success transition: %+v", r)
	}
}

func TestLedger_ListIncomplete(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	seed := []Run{
		{MessageID: "m1", BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"},
		{MessageID: "m1", BlockID: "b2", Status: StatusRunning, PlanJSON: "{}"},
		{MessageID: "m2", BlockID: "b1", Status: StatusSuccess, PlanJSON: "{}"},
		{MessageID: "m3", BlockID: "b1", Status: StatusError, PlanJSON: "{}"},
	}
	for _, r := range seed {
		if err := l.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s/%s: %v", r.MessageID, r.BlockID, err)
		}
	}

	inc, err := l.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(inc) != 2 {
		t.Fatalf("incomplete=%d, want 2", len(inc))
	}
	for _, r := range inc {
		if r.Status.IsTerminal() {
			t.Fatalf("terminal row in incomplete list: %+v", r)
		}
	}
}

func TestLedger_ListIncompleteOrdersBySeqWithinMessage(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	// Blocks of one message share a created_at millisecond and their ids do
	// not sort like their enqueue order; seq must decide.
	const stamp = int64(1700000000000)
	seed := []Run{
		{MessageID: "m1", BlockID: "blk_b", Seq: 0, Status: StatusQueued, PlanJSON: "{}", CreatedAtUnixMs: stamp},
		{MessageID: "m1", BlockID: "blk_a", Seq: 1, Status: StatusQueued, PlanJSON: "{}", CreatedAtUnixMs: stamp},
	}
	for _, r := range seed {
		if err := l.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s/%s: %v", r.MessageID, r.BlockID, err)
		}
	}

	inc, err := l.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(inc) != 2 {
		t.Fatalf("incomplete=%d, want 2", len(inc))
	}
	if inc[0].BlockID != "blk_b" || inc[1].BlockID != "blk_a" {
		t.Fatalf("order=[%s %s], want [blk_b blk_a]", inc[0].BlockID, inc[1].BlockID)
	}
}

func TestLedger_EvictsOldestTerminalFirst(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 3)
	ctx := context.Background()

	// One active row plus enough terminal rows to exceed the cap.
	if err := l.Upsert(ctx, Run{MessageID: "active", BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert active: %v", err)
	}
	for i := 0; i < 4; i++ {
		r := Run{MessageID: fmt.Sprintf("m%d", i), BlockID: "b1", Status: StatusQueued, PlanJSON: "{}"}
		if err := l.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert m%d: %v", i, err)
		}
		if err := l.Transition(ctx, r.MessageID, "b1", StatusSuccess, "", "", "", 0); err != nil {
			t.Fatalf("Transition m%d: %v", i, err)
		}
	}

	// The active row must survive eviction.
	r, err := l.Get(ctx, "active", "b1")
	if err != nil {
		t.Fatalf("Get active: %v", err)
	}
	if r == nil || r.Status != StatusQueued {
		t.Fatalf("active row evicted: %+v", r)
	}
}

func TestLedger_LatestTerminalForSession(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, 0)
	ctx := context.Background()

	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", SessionID: "s1", Status: StatusQueued, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got, err := l.LatestTerminalForSession(ctx, "s1"); err != nil || got != nil {
		t.Fatalf("expected no terminal row yet: %+v err=%v", got, err)
	}
	if err := l.Transition(ctx, "m1", "b1", StatusError, "plan_exec_failed", "boom", "", 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got, err := l.LatestTerminalForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestTerminalForSession: %v", err)
	}
	if got == nil || got.Status != StatusError || got.ErrorCode != "plan_exec_failed" {
		t.Fatalf("got=%+v", got)
	}
}

func TestLedger_ReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runs.sqlite")
	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := l.Upsert(ctx, Run{MessageID: "m1", BlockID: "b1", Status: StatusRunning, PlanJSON: "{}"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = l2.Close() }()
	inc, err := l2.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(inc) != 1 || inc[0].Status != StatusRunning {
		t.Fatalf("incomplete=%+v, want the running row back", inc)
	}
}
