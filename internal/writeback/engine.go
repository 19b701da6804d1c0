// Package writeback owns the plan write-back queue: a single-flight FIFO
// that serializes plan execution against the document host, runs the repair
// loop, and records every block run in the durable ledger.
package writeback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pagemark/pagemark-agent/internal/host"
	"github.com/pagemark/pagemark-agent/internal/ledger"
	"github.com/pagemark/pagemark-agent/internal/plan"
	"github.com/pagemark/pagemark-agent/internal/repair"
	"github.com/pagemark/pagemark-agent/internal/telemetry"
)

const (
	defaultMaxAttempts    = 3
	defaultPersistTimeout = 10 * time.Second
)

// Engine is the write-back queue. Exactly one drain loop runs at a time;
// all host mutation goes through it, so plan executions never overlap.
type Engine struct {
	log         *slog.Logger
	host        host.Host
	repairer    repair.Repairer
	ledger      *ledger.Ledger
	sink        *telemetry.Sink
	maxAttempts int
	persistTO   time.Duration

	mu        sync.Mutex
	queue     []*Job
	active    *Job
	draining  bool
	stopped   bool
	idleChans []chan struct{}
}

type Options struct {
	Logger   *slog.Logger
	Host     host.Host
	Repairer repair.Repairer
	Ledger   *ledger.Ledger
	Sink     *telemetry.Sink

	// MaxAttempts is the total execution budget per block, the first
	// attempt included. If <= 0, the default of 3 is used.
	MaxAttempts int

	// PersistTimeout bounds each ledger write. If <= 0, a safe default
	// is used.
	PersistTimeout time.Duration
}

func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("writeback: host is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("writeback: ledger is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	persistTO := opts.PersistTimeout
	if persistTO <= 0 {
		persistTO = defaultPersistTimeout
	}
	return &Engine{
		log:         log.With("component", "writeback"),
		host:        opts.Host,
		repairer:    opts.Repairer,
		ledger:      opts.Ledger,
		sink:        opts.Sink,
		maxAttempts: maxAttempts,
		persistTO:   persistTO,
	}, nil
}

// Enqueue appends a job to the queue tail and kicks the drain loop. It never
// blocks on execution; the returned run id correlates telemetry for the job.
// Missing ids are filled in, and every block gets a queued ledger row
// (re-enqueueing a block resets its prior run).
func (e *Engine) Enqueue(job Job) (string, error) {
	if e == nil {
		return "", fmt.Errorf("writeback: engine not initialized")
	}
	if len(job.Blocks) == 0 {
		return "", fmt.Errorf("writeback: job has no blocks")
	}
	job.MessageID = strings.TrimSpace(job.MessageID)
	if job.MessageID == "" {
		return "", fmt.Errorf("writeback: message id is required")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = newJobID()
	}
	if strings.TrimSpace(job.RunID) == "" {
		job.RunID = newRunID()
	}
	if job.CreatedAtUnixMs == 0 {
		job.CreatedAtUnixMs = nowUnixMs()
	}

	docContextJSON := ""
	if job.DocContext != nil && !job.DocContext.Empty() {
		if raw, err := json.Marshal(job.DocContext); err == nil {
			docContextJSON = string(raw)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	for i, b := range job.Blocks {
		err := e.ledger.Upsert(ctx, ledger.Run{
			MessageID:      job.MessageID,
			BlockID:        b.BlockID,
			Seq:            i,
			SessionID:      job.SessionID,
			DocKey:         job.DocKey,
			DocContextJSON: docContextJSON,
			Status:         ledger.StatusQueued,
			PlanJSON:       b.PlanJSON,
		})
		if err != nil {
			return "", fmt.Errorf("record queued run: %w", err)
		}
	}

	e.mu.Lock()
	e.queue = append(e.queue, &job)
	e.mu.Unlock()

	e.sink.Emit(telemetry.Event{
		Kind:      "job_enqueued",
		RunID:     job.RunID,
		JobID:     job.ID,
		SessionID: job.SessionID,
		DocKey:    job.DocKey,
		MessageID: job.MessageID,
		Detail:    map[string]any{"blocks": len(job.Blocks)},
	})
	e.log.Info("job enqueued",
		"job_id", job.ID,
		"message_id", job.MessageID,
		"session_id", job.SessionID,
		"blocks", len(job.Blocks))

	go e.Drain()
	return job.RunID, nil
}

// CancelFilter scopes CancelPending. At least one field must be set; a
// zero filter matches nothing.
type CancelFilter struct {
	SessionID string
	DocKey    string
}

func (f CancelFilter) matches(j *Job) bool {
	if f.SessionID == "" && f.DocKey == "" {
		return false
	}
	if f.SessionID != "" && j.SessionID != f.SessionID {
		return false
	}
	if f.DocKey != "" && j.DocKey != f.DocKey {
		return false
	}
	return true
}

// CancelPending removes matching jobs that have not started executing and
// marks their ledger rows cancelled. The in-flight job, if any, is not
// touched. Returns the number of jobs removed.
func (e *Engine) CancelPending(f CancelFilter) int {
	if e == nil {
		return 0
	}

	e.mu.Lock()
	var kept []*Job
	var removed []*Job
	for _, j := range e.queue {
		if f.matches(j) {
			removed = append(removed, j)
		} else {
			kept = append(kept, j)
		}
	}
	e.queue = kept
	e.mu.Unlock()

	for _, j := range removed {
		e.markJobCancelled(j)
	}
	if len(removed) > 0 {
		e.log.Info("pending jobs cancelled",
			"count", len(removed),
			"session_id", f.SessionID,
			"doc_key", f.DocKey)
	}
	return len(removed)
}

// Stop requests a global drain stop for shutdown. The current block finishes;
// everything still queued stays queued (in memory and in the ledger) for a
// future recovery pass.
func (e *Engine) Stop() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stopped = true
	if !e.draining {
		e.notifyIdleLocked()
	}
	e.mu.Unlock()
}

func (e *Engine) markJobCancelled(j *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	for _, b := range j.Blocks {
		err := e.ledger.Transition(ctx, j.MessageID, b.BlockID,
			ledger.StatusError, string(ErrCodeCancelled), "cancelled before execution", "", 0)
		if err != nil {
			e.log.Warn("cancel ledger update failed",
				"message_id", j.MessageID, "block_id", b.BlockID, "error", err)
		}
	}
	e.sink.Emit(telemetry.Event{
		Kind:      "job_cancelled",
		RunID:     j.RunID,
		JobID:     j.ID,
		SessionID: j.SessionID,
		DocKey:    j.DocKey,
		MessageID: j.MessageID,
	})
}

// Drain runs the queue to completion. Re-entrant calls while a drain is in
// progress return immediately; the running loop picks up whatever was
// appended in the meantime.
func (e *Engine) Drain() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("drain loop panic",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			e.mu.Lock()
			e.draining = false
			e.notifyIdleLocked()
			e.mu.Unlock()
		}
	}()

	for {
		e.mu.Lock()
		if e.stopped || len(e.queue) == 0 {
			e.draining = false
			e.notifyIdleLocked()
			e.mu.Unlock()
			return
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		e.active = job
		e.mu.Unlock()

		e.runJob(job)

		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}
}

// WaitIdle blocks until no drain is running and the queue is empty (or the
// engine is stopped), or until the context ends. Test and shutdown helper.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if !e.draining && (e.stopped || len(e.queue) == 0) {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.idleChans = append(e.idleChans, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) notifyIdleLocked() {
	if !e.stopped && len(e.queue) != 0 {
		return
	}
	for _, ch := range e.idleChans {
		close(ch)
	}
	e.idleChans = nil
}

// SessionActivity reports whether the session has queued work and whether a
// job for it is executing right now.
func (e *Engine) SessionActivity(sessionID string) (queued bool, writing bool) {
	if e == nil {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, j := range e.queue {
		if j.SessionID == sessionID {
			queued = true
			break
		}
	}
	writing = e.active != nil && e.active.SessionID == sessionID
	return queued, writing
}

// QueueDepth returns the number of jobs waiting (the in-flight job excluded).
func (e *Engine) QueueDepth() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) runJob(job *Job) {
	for i, block := range job.Blocks {
		e.mu.Lock()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			// Remaining blocks go back to the queue head as a
			// smaller job so their ledger rows stay queued.
			rest := job.Blocks[i:]
			e.mu.Lock()
			remainder := *job
			remainder.Blocks = rest
			e.queue = append([]*Job{&remainder}, e.queue...)
			e.mu.Unlock()
			return
		}
		e.runBlock(job, block)
	}
}

func (e *Engine) runBlock(job *Job, block JobBlock) {
	e.transition(job, block.BlockID, ledger.StatusRunning, "", "", "", 0)
	e.sink.Emit(telemetry.Event{
		Kind:      "block_start",
		RunID:     job.RunID,
		JobID:     job.ID,
		SessionID: job.SessionID,
		DocKey:    job.DocKey,
		MessageID: job.MessageID,
		BlockID:   block.BlockID,
	})

	code, msg, finalPlan, repairs := e.execBlockGuarded(job, block)

	if code == "" {
		e.transition(job, block.BlockID, ledger.StatusSuccess, "", "", finalPlan, repairs)
	} else {
		e.transition(job, block.BlockID, ledger.StatusError, string(code), msg, "", repairs)
	}

	status := "success"
	if code != "" {
		status = "error"
		e.log.Warn("block failed",
			"message_id", job.MessageID,
			"block_id", block.BlockID,
			"error_code", string(code),
			"error", msg)
	}
	e.sink.Emit(telemetry.Event{
		Kind:      "block_done",
		RunID:     job.RunID,
		JobID:     job.ID,
		SessionID: job.SessionID,
		DocKey:    job.DocKey,
		MessageID: job.MessageID,
		BlockID:   block.BlockID,
		Status:    status,
		ErrorCode: string(code),
		Detail:    map[string]any{"repairs_used": repairs},
	})
}

// execBlockGuarded runs one block end to end. A returned empty code means
// success. Panics anywhere inside execution are contained to the block.
func (e *Engine) execBlockGuarded(job *Job, block JobBlock) (code ErrorCode, msg string, finalPlan string, repairs int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("block execution panic",
				"message_id", job.MessageID,
				"block_id", block.BlockID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			code = ErrCodeMacroExecException
			msg = fmt.Sprintf("unexpected execution failure: %v", r)
		}
	}()

	ctx := context.Background()

	if job.DocContext == nil || job.DocContext.Empty() {
		return ErrCodeDocContextMissing, "job carries no document context", "", 0
	}

	active, err := e.host.Activate(ctx, *job.DocContext)
	if err != nil {
		return ErrCodeDocActivateFailed, err.Error(), "", 0
	}
	if !active {
		return ErrCodeDocNotActive, "document is not open in the host", "", 0
	}

	current, err := plan.Normalize(block.PlanJSON, job.DocContext.HostApp)
	if err != nil {
		return ErrCodeInvalidPlanJSON, err.Error(), "", 0
	}

	lastErr := ""
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		res, execErr := e.host.ExecutePlan(ctx, current)
		if execErr == nil && res.Success {
			return "", "", current, repairs
		}
		if execErr != nil {
			lastErr = execErr.Error()
		} else {
			lastErr = res.Message
			if strings.TrimSpace(lastErr) == "" {
				lastErr = "plan execution reported failure"
			}
		}
		if attempt == e.maxAttempts {
			break
		}
		if e.repairer == nil {
			break
		}
		rr, rerr := e.repairer.Repair(ctx, current, string(ErrCodePlanExecFailed), lastErr, attempt)
		if rerr != nil {
			e.log.Warn("plan repair failed",
				"message_id", job.MessageID,
				"block_id", block.BlockID,
				"attempt", attempt,
				"error", rerr)
			break
		}
		if !rr.Success || strings.TrimSpace(rr.Plan) == "" {
			break
		}
		repaired, nerr := plan.Normalize(rr.Plan, job.DocContext.HostApp)
		if nerr != nil {
			e.log.Warn("repaired plan invalid",
				"message_id", job.MessageID,
				"block_id", block.BlockID,
				"attempt", attempt,
				"error", nerr)
			break
		}
		current = repaired
		repairs++
	}
	return ErrCodePlanExecFailed, lastErr, "", repairs
}

func (e *Engine) transition(job *Job, blockID string, next ledger.Status, errCode string, errMsg string, finalPlan string, repairs int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	err := e.ledger.Transition(ctx, job.MessageID, blockID, next, errCode, errMsg, finalPlan, repairs)
	if err != nil {
		e.log.Warn("ledger transition failed",
			"message_id", job.MessageID,
			"block_id", blockID,
			"status", string(next),
			"error", err)
	}
}
