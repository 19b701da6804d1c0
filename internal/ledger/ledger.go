// Package ledger is the durable per-block execution record behind the
// write-back queue. Rows are keyed by (message_id, block_id) with upsert
// semantics, so re-running the same logical artifact overwrites rather than
// duplicates. The ledger is what makes an interrupted write-back resumable:
// on startup the engine regroups incomplete rows into fresh jobs.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a run row's lifecycle state. Transitions move forward only
// (queued -> running -> success|error); a fresh Upsert resets the row.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func statusRank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSuccess, StatusError:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether a status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusError:
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown run status: %q", raw)
	}
}

// Run is one durable block-execution record.
type Run struct {
	MessageID string `json:"message_id"`
	BlockID   string `json:"block_id"`

	// Seq is the block's position within its message's job. Recovery orders
	// a message's rows by it, so a rebuilt job keeps the original block
	// order even when every row shares one created_at millisecond.
	Seq int `json:"seq"`

	SessionID string `json:"session_id"`
	DocKey    string `json:"doc_key"`

	// DocContextJSON is the serialized document identity the job carried,
	// kept so recovery can rebuild the job without the original message.
	DocContextJSON string `json:"doc_context_json,omitempty"`

	Status       Status `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// PlanJSON is the plan as enqueued; FinalPlanJSON is the plan that
	// actually succeeded (possibly repaired), recorded so debugging never
	// re-derives it.
	PlanJSON      string `json:"plan_json"`
	FinalPlanJSON string `json:"final_plan_json,omitempty"`
	RepairsUsed   int    `json:"repairs_used"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// ErrBackwardTransition is returned when a Transition would move a row to an
// earlier lifecycle state.
var ErrBackwardTransition = errors.New("backward run status transition")

const defaultMaxEntries = 2000

// Ledger is a local SQLite-backed run-status store.
//
// WAL is enabled so UI and telemetry readers never block the worker.
type Ledger struct {
	db         *sql.DB
	maxEntries int
}

type Options struct {
	// Path is the sqlite database file path.
	Path string
	// MaxEntries caps stored rows; oldest rows are evicted first, active
	// (queued/running) rows last. If <= 0, a default is used.
	MaxEntries int
}

func Open(opts Options) (*Ledger, error) {
	p := filepath.Clean(strings.TrimSpace(opts.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Ledger{db: db, maxEntries: maxEntries}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Upsert installs or resets the row for (message_id, block_id). This is the
// only way a terminal row can become active again (re-enqueue).
func (l *Ledger) Upsert(ctx context.Context, r Run) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.MessageID = strings.TrimSpace(r.MessageID)
	r.BlockID = strings.TrimSpace(r.BlockID)
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.DocKey = strings.TrimSpace(r.DocKey)
	r.PlanJSON = strings.TrimSpace(r.PlanJSON)
	if r.MessageID == "" || r.BlockID == "" {
		return errors.New("invalid run: missing message_id/block_id")
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = now
	}
	if r.UpdatedAtUnixMs <= 0 {
		r.UpdatedAtUnixMs = now
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO block_runs(
  message_id, block_id, seq, session_id, doc_key, doc_context_json,
  status, error_code, error_message,
  plan_json, final_plan_json, repairs_used,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id, block_id) DO UPDATE SET
  seq = excluded.seq,
  session_id = excluded.session_id,
  doc_key = excluded.doc_key,
  doc_context_json = excluded.doc_context_json,
  status = excluded.status,
  error_code = excluded.error_code,
  error_message = excluded.error_message,
  plan_json = excluded.plan_json,
  final_plan_json = excluded.final_plan_json,
  repairs_used = excluded.repairs_used,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		r.MessageID, r.BlockID, r.Seq, r.SessionID, r.DocKey, strings.TrimSpace(r.DocContextJSON),
		string(r.Status), strings.TrimSpace(r.ErrorCode), strings.TrimSpace(r.ErrorMessage),
		r.PlanJSON, strings.TrimSpace(r.FinalPlanJSON), r.RepairsUsed,
		r.CreatedAtUnixMs, r.UpdatedAtUnixMs,
	); err != nil {
		return err
	}

	if err := l.evictLocked(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Transition moves a row forward. Backward moves return
// ErrBackwardTransition; a missing row returns sql.ErrNoRows.
func (l *Ledger) Transition(ctx context.Context, messageID string, blockID string, next Status, errCode string, errMessage string, finalPlanJSON string, repairsUsed int) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	messageID = strings.TrimSpace(messageID)
	blockID = strings.TrimSpace(blockID)
	if messageID == "" || blockID == "" {
		return errors.New("invalid request")
	}
	if _, err := ParseStatus(string(next)); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	if err := tx.QueryRowContext(ctx, `
SELECT status FROM block_runs WHERE message_id = ? AND block_id = ?
`, messageID, blockID).Scan(&cur); err != nil {
		return err
	}
	if statusRank(next) < statusRank(Status(cur)) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, cur, next)
	}

	errCode = strings.TrimSpace(errCode)
	errMessage = strings.TrimSpace(errMessage)
	if next != StatusError {
		errCode = ""
		errMessage = ""
	}
	if len(errMessage) > 600 {
		errMessage = errMessage[:600]
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
UPDATE block_runs
SET status = ?,
    error_code = ?,
    error_message = ?,
    final_plan_json = CASE WHEN ? != '' THEN ? ELSE final_plan_json END,
    repairs_used = CASE WHEN ? > 0 THEN ? ELSE repairs_used END,
    updated_at_unix_ms = ?
WHERE message_id = ? AND block_id = ?
`,
		string(next), errCode, errMessage,
		strings.TrimSpace(finalPlanJSON), strings.TrimSpace(finalPlanJSON),
		repairsUsed, repairsUsed,
		now, messageID, blockID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the row for (message_id, block_id), or nil when absent.
func (l *Ledger) Get(ctx context.Context, messageID string, blockID string) (*Run, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	messageID = strings.TrimSpace(messageID)
	blockID = strings.TrimSpace(blockID)
	if messageID == "" || blockID == "" {
		return nil, errors.New("invalid request")
	}

	row := l.db.QueryRowContext(ctx, selectRunCols+`
WHERE message_id = ? AND block_id = ?
`, messageID, blockID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// ListIncomplete returns rows still queued or running, oldest first,
// grouped deterministically for recovery (by message, then the block's
// seq within its job).
func (l *Ledger) ListIncomplete(ctx context.Context) ([]Run, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := l.db.QueryContext(ctx, selectRunCols+`
WHERE status IN ('queued', 'running')
ORDER BY created_at_unix_ms ASC, message_id ASC, seq ASC, block_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LatestTerminalForSession returns the most recent terminal row for a
// session, or nil. Used to derive the session-level status snapshot.
func (l *Ledger) LatestTerminalForSession(ctx context.Context, sessionID string) (*Run, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	row := l.db.QueryRowContext(ctx, selectRunCols+`
WHERE session_id = ? AND status IN ('success', 'error')
ORDER BY updated_at_unix_ms DESC
LIMIT 1
`, sessionID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

const selectRunCols = `
SELECT message_id, block_id, seq, session_id, doc_key, doc_context_json,
       status, error_code, error_message,
       plan_json, final_plan_json, repairs_used,
       created_at_unix_ms, updated_at_unix_ms
FROM block_runs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	if err := row.Scan(
		&r.MessageID,
		&r.BlockID,
		&r.Seq,
		&r.SessionID,
		&r.DocKey,
		&r.DocContextJSON,
		&status,
		&r.ErrorCode,
		&r.ErrorMessage,
		&r.PlanJSON,
		&r.FinalPlanJSON,
		&r.RepairsUsed,
		&r.CreatedAtUnixMs,
		&r.UpdatedAtUnixMs,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func (l *Ledger) evictLocked(ctx context.Context, tx *sql.Tx) error {
	if l.maxEntries <= 0 {
		return nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM block_runs`).Scan(&n); err != nil {
		return err
	}
	if n <= l.maxEntries {
		return nil
	}
	// Oldest first; queued/running rows are pending work and go last.
	_, err := tx.ExecContext(ctx, `
DELETE FROM block_runs WHERE (message_id, block_id) IN (
  SELECT message_id, block_id FROM block_runs
  ORDER BY (status IN ('queued', 'running')) ASC, updated_at_unix_ms ASC
  LIMIT ?
)
`, n-l.maxEntries)
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if v == 1 {
		if _, err := tx.Exec(`ALTER TABLE block_runs ADD COLUMN seq INTEGER NOT NULL DEFAULT 0;`); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS block_runs (
  message_id TEXT NOT NULL,
  block_id TEXT NOT NULL,
  seq INTEGER NOT NULL DEFAULT 0,
  session_id TEXT NOT NULL DEFAULT '',
  doc_key TEXT NOT NULL DEFAULT '',
  doc_context_json TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error_code TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  plan_json TEXT NOT NULL DEFAULT '',
  final_plan_json TEXT NOT NULL DEFAULT '',
  repairs_used INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(message_id, block_id)
);
CREATE INDEX IF NOT EXISTS idx_block_runs_status ON block_runs(status, created_at_unix_ms ASC);
CREATE INDEX IF NOT EXISTS idx_block_runs_session ON block_runs(session_id, updated_at_unix_ms DESC);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
